package elog

import (
	"context"
	"sort"
)

// maxThreadSize bounds thread walks against pathological reply graphs.
const maxThreadSize = 200

// Thread reconstructs the conversation around one entry: the ancestor
// chain via "In reply to" and the descendant set via a breadth-first
// walk over "Reply to". Cycles are guarded by a visited set. Messages
// come back sorted by timestamp ascending, so Root is the oldest.
func (s *Service) Thread(ctx context.Context, id int, includeReplies, includeParents bool) (*ThreadResult, error) {
	root, err := s.client.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	visited := map[int]bool{id: true}
	entries := []*Entry{root}

	if includeParents {
		parentID := root.Parent()
		for parentID != 0 && !visited[parentID] && len(entries) < maxThreadSize {
			parent, err := s.client.Read(ctx, parentID)
			if err != nil {
				s.logger.Warn("thread parent unreadable, stopping ancestor walk", "id", parentID, "error", err)
				break
			}
			visited[parentID] = true
			entries = append(entries, parent)
			parentID = parent.Parent()
		}
	}

	if includeReplies {
		queue := []*Entry{root}
		for len(queue) > 0 && len(entries) < maxThreadSize {
			current := queue[0]
			queue = queue[1:]

			for _, childID := range current.Children() {
				if visited[childID] {
					continue
				}
				visited[childID] = true

				child, err := s.client.Read(ctx, childID)
				if err != nil {
					s.logger.Warn("thread reply unreadable, skipping", "id", childID, "error", err)
					continue
				}
				entries = append(entries, child)
				queue = append(queue, child)
			}
		}
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Timestamp.Before(entries[b].Timestamp)
	})

	messages := make([]Hit, len(entries))
	for i, entry := range entries {
		clean := capWords(CleanHTML(entry.Body), maxBodyWords)
		messages[i] = Hit{
			Entry:            entry,
			BodyClean:        clean,
			FormattedContext: FormatEntry(entry, clean),
		}
	}

	result := &ThreadResult{
		Messages:      messages,
		TotalMessages: len(messages),
	}
	if len(messages) > 0 {
		result.Root = &messages[0]
	}
	return result, nil
}
