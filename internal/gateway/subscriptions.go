// subscriptions.go plans the guild-subscription frames sent after READY.
//
// Every guild on the session must be covered by a subscription entry, but a
// single frame's serialized subscription object may not exceed
// subscriptionChunkBudget (the frame envelope around it is not counted). The
// planner packs guild ids greedily by byte cost: each entry costs its quoted
// id, a colon, and the fixed value template, plus a comma separator between
// entries. Greedy is not optimal and does not need to be — it just must
// never emit an empty frame or an over-budget frame unless a single entry is
// inherently over budget.
package gateway

import "encoding/json"

// subscriptionChunkBudget caps the serialized subscription object at 14 KiB,
// comfortably under the gateway's 15 KiB outbound frame limit.
const subscriptionChunkBudget = 14 * 1024

// guildSubscription is the fixed per-guild value template: all passive
// feeds on, no member or channel ranges requested yet.
type guildSubscription struct {
	Typing            bool           `json:"typing"`
	Threads           bool           `json:"threads"`
	Activities        bool           `json:"activities"`
	MemberUpdates     bool           `json:"member_updates"`
	Members           []string       `json:"members"`
	Channels          map[string]any `json:"channels"`
	ThreadMemberLists []string       `json:"thread_member_lists"`
}

func defaultGuildSubscription() guildSubscription {
	return guildSubscription{
		Typing:            true,
		Threads:           true,
		Activities:        true,
		MemberUpdates:     true,
		Members:           []string{},
		Channels:          map[string]any{},
		ThreadMemberLists: []string{},
	}
}

// subscriptionTemplateLen is the serialized size of the fixed value template.
var subscriptionTemplateLen = func() int {
	b, err := json.Marshal(defaultGuildSubscription())
	if err != nil {
		panic(err)
	}
	return len(b)
}()

// PlanSubscriptionChunks splits guild ids into chunks whose serialized
// subscription objects each fit the byte budget. The union of the returned
// chunks equals the input; order is preserved.
func PlanSubscriptionChunks(guildIDs []string) [][]string {
	var chunks [][]string
	var current []string
	size := 2 // the enclosing {}

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			size = 2
		}
	}

	for _, id := range guildIDs {
		cost := len(id) + 2 + 1 + subscriptionTemplateLen // "id":<template>
		if len(current) > 0 {
			cost++ // separating comma
		}
		if size+cost > subscriptionChunkBudget && len(current) >= 1 {
			flush()
			cost = len(id) + 2 + 1 + subscriptionTemplateLen
		}
		current = append(current, id)
		size += cost
		// A single pathological id can exceed the budget on its own; ship it
		// alone rather than dropping it.
		if len(current) == 1 && size > subscriptionChunkBudget {
			flush()
		}
	}
	flush()
	return chunks
}

// buildSubscriptionFrames encodes one GUILD_SUBSCRIPTIONS_BULK frame per
// planned chunk.
func buildSubscriptionFrames(guildIDs []string) ([][]byte, error) {
	var frames [][]byte
	for _, chunk := range PlanSubscriptionChunks(guildIDs) {
		subs := make(map[string]guildSubscription, len(chunk))
		for _, id := range chunk {
			subs[id] = defaultGuildSubscription()
		}
		d, err := json.Marshal(struct {
			Subscriptions map[string]guildSubscription `json:"subscriptions"`
		}{subs})
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(Frame{Op: OpGuildSubscriptionsBulk, D: d})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
