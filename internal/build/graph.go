package build

import "sort"

// emittedLinks maps every hashed file written under its own name to the
// hashed files it references that are also written under their own names.
// Inlined files are not nodes; their bytes end up in the referencing body.
func emittedLinks(tree *sourceTree) (nodes []string, links map[string][]string) {
	links = make(map[string][]string)
	for _, rel := range tree.sortedRels() {
		f := tree.files[rel]
		if !f.hashed() || f.inline {
			continue
		}
		nodes = append(nodes, rel)
		if !f.isText() {
			continue
		}
		for _, target := range referencedTargets(f.data) {
			if t, ok := tree.files[target]; ok && t.hashed() && !t.inline {
				links[rel] = append(links[rel], target)
			}
		}
	}
	return nodes, links
}

// components returns the strongly connected components of the link graph,
// each sorted, with every component listed after all components it links to.
func components(nodes []string, links map[string][]string) [][]string {
	var (
		index   = make(map[string]int)
		low     = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		out     [][]string
		next    int
	)

	var visit func(string)
	visit = func(v string) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range links[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var comp []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		sort.Strings(comp)
		out = append(out, comp)
	}

	for _, v := range nodes {
		if _, seen := index[v]; !seen {
			visit(v)
		}
	}
	return out
}

// cyclic reports whether comp names files that reference each other, or a
// single file that references itself.
func cyclic(comp []string, links map[string][]string) bool {
	if len(comp) > 1 {
		return true
	}
	for _, target := range links[comp[0]] {
		if target == comp[0] {
			return true
		}
	}
	return false
}
