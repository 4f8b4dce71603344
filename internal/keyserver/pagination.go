package keyserver

import "sort"

// maxListPages bounds how many pages one ListFiles call follows.
const maxListPages = 1000

func appendUnique[T any](dst []T, items []T, seen map[int]struct{}, idFn func(T) int) []T {
	for _, item := range items {
		id := idFn(item)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		dst = append(dst, item)
	}
	return dst
}

// collectPages requests pages until the service reports no more, skipping
// refs below start and duplicates across pages.
func collectPages(start int, fetch func(start int) (listResponse, error)) ([]FileRef, error) {
	refs := make([]FileRef, 0)
	seen := make(map[int]struct{})
	cursor := start

	for page := 0; page < maxListPages; page++ {
		resp, err := fetch(cursor)
		if err != nil {
			return nil, err
		}

		inRange := make([]FileRef, 0, len(resp.Files))
		for _, ref := range resp.Files {
			if ref.Index >= start {
				inRange = append(inRange, ref)
			}
		}
		refs = appendUnique(refs, inRange, seen, func(r FileRef) int { return r.Index })

		if !resp.More || resp.Next <= cursor {
			break
		}
		cursor = resp.Next
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Index < refs[j].Index
	})
	return refs, nil
}
