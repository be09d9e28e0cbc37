package chat

import (
	"slices"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
)

// mergeMessage adds msg to list, which is ordered by created_at. A new message
// goes after every message created at or before it, so equal timestamps keep
// arrival order. A message already present stays where it is and only
// absorbs the seen flag.
func mergeMessage(list []chat.Message, msg chat.Message) []chat.Message {
	if i := slices.IndexFunc(list, func(m chat.Message) bool { return m.ID == msg.ID }); i >= 0 {
		list[i].Seen = list[i].Seen || msg.Seen
		return list
	}
	pos, _ := slices.BinarySearchFunc(list, msg, func(m, target chat.Message) int {
		if m.CreatedAt.After(target.CreatedAt) {
			return 1
		}
		return -1
	})
	return slices.Insert(list, pos, msg)
}

// orderFetched returns rows sorted by created_at with duplicate ids removed.
func orderFetched(rows []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(rows))
	for _, m := range rows {
		out = mergeMessage(out, m)
	}
	return out
}

// markSeen flags the messages with the given ids.
func markSeen(list []chat.Message, ids []string) {
	for i := range list {
		if slices.Contains(ids, list[i].ID) {
			list[i].Seen = true
		}
	}
}

// isSeen reports whether the message with id is present and seen.
func isSeen(list []chat.Message, id string) bool {
	i := slices.IndexFunc(list, func(m chat.Message) bool { return m.ID == id })
	return i >= 0 && list[i].Seen
}

// upsertConversation puts conv first unless a row with its id is present.
func upsertConversation(list []chat.Conversation, conv chat.Conversation) []chat.Conversation {
	if slices.ContainsFunc(list, func(c chat.Conversation) bool { return c.ID == conv.ID }) {
		return list
	}
	return append([]chat.Conversation{conv}, list...)
}
