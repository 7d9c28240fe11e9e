package pipeline

import "sort"

// unionFind is a string-keyed disjoint-set with path compression and union
// by rank, used to derive chains as connected components of order ids.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[string]string),
		rank:   make(map[string]int),
	}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		u.parent[x], x = root, u.parent[x]
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// components returns every connected component with its members sorted for
// deterministic iteration.
func (u *unionFind) components() map[string][]string {
	out := make(map[string][]string)
	for node := range u.parent {
		root := u.find(node)
		out[root] = append(out[root], node)
	}
	for root := range out {
		sort.Strings(out[root])
	}
	return out
}
