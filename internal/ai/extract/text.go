package extract

import "strings"

// Walk visits n and its descendants depth-first: mapping values in key order,
// sequence elements in index order. Returning false from visit skips the
// children of that node.
func Walk(n Node, visit func(Node) bool) {
	if !visit(n) {
		return
	}
	switch n.Kind {
	case Mapping:
		for _, f := range n.Fields {
			Walk(f.Value, visit)
		}
	case Sequence:
		for _, it := range n.Items {
			Walk(it, visit)
		}
	}
}

// Leaves returns every string leaf in visit order. Numbers, booleans and
// nulls are not text and are skipped.
func Leaves(n Node) []string {
	var out []string
	Walk(n, func(v Node) bool {
		if v.Kind == String {
			out = append(out, v.Str)
		}
		return true
	})
	return out
}

// Text concatenates Leaves. It is the fallback for payloads no provider
// schema recognized, and will pick up incidental string fields too.
func Text(n Node) string {
	return strings.Join(Leaves(n), "")
}
