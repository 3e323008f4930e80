package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/operative/pkg/models"
)

// DefaultCacheBreakpoints is the number of recent user turns marked cacheable.
// One more breakpoint is left to the provider for tools and the system prompt.
const DefaultCacheBreakpoints = 3

// RetentionPolicy bounds how many screenshots stay in the history in full.
type RetentionPolicy struct {
	// KeepImages is the number of most recent tool result images kept.
	// Zero or negative disables trimming.
	KeepImages int `yaml:"keep_images"`

	// MinRemovalThreshold removes images in multiples of this size so the
	// history prefix changes less often. Defaults to KeepImages.
	MinRemovalThreshold int `yaml:"min_removal_threshold"`
}

// Conversation is the append-only message log of one session.
//
// Only the loop mutates it. Trimming runs inside Append, so the stored
// history always reflects the retention policy.
type Conversation struct {
	mu        sync.RWMutex
	messages  []models.Message
	turns     int
	retention RetentionPolicy
	markers   []int
	useIDs    map[string]bool
}

// NewConversation creates an empty conversation.
func NewConversation(retention RetentionPolicy) *Conversation {
	return &Conversation{retention: retention}
}

// Append adds a message to the log and applies screenshot retention.
//
// A tool_result message must answer every tool use of the preceding
// assistant message and nothing else. Any other message is rejected while
// tool uses are still pending. Tool use ids are unique across the whole
// history.
func (c *Conversation) Append(msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := pendingToolUses(c.messages)
	if msg.Role == models.RoleToolResult {
		if err := checkAnswers(pending, msg); err != nil {
			return err
		}
	} else if len(pending) > 0 {
		return fmt.Errorf("cannot append %s message: %d tool uses without results", msg.Role, len(pending))
	}
	uses := msg.ToolUses()
	if err := c.checkUseIDs(uses); err != nil {
		return err
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c.messages = append(c.messages, msg.Clone())
	c.messages = TrimImages(c.messages, c.retention)
	for _, use := range uses {
		if c.useIDs == nil {
			c.useIDs = make(map[string]bool)
		}
		c.useIDs[use.ID] = true
	}
	if msg.Role == models.RoleAssistant {
		c.turns++
	}
	return nil
}

// Messages returns a deep copy of the history.
func (c *Conversation) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Turns returns the number of assistant replies appended so far.
func (c *Conversation) Turns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turns
}

// PendingToolUses returns tool uses of the last assistant message that
// have no result yet.
func (c *Conversation) PendingToolUses() []models.ToolUse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return pendingToolUses(c.messages)
}

// Thinking returns the thinking transcript of every assistant reply in order.
func (c *Conversation) Thinking() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, m := range c.messages {
		for _, b := range m.Blocks {
			if b.Type == models.BlockThinking && b.Thinking != "" {
				out = append(out, b.Thinking)
			}
		}
	}
	return out
}

// MarkCacheBoundaries records the indexes of the n most recent user turns as
// cache-boundary markers and returns them, newest first.
func (c *Conversation) MarkCacheBoundaries(n int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = CacheBreakpoints(c.messages, n)
	return append([]int(nil), c.markers...)
}

// CacheBoundaries returns the markers recorded by the last MarkCacheBoundaries call.
func (c *Conversation) CacheBoundaries() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int(nil), c.markers...)
}

func pendingToolUses(messages []models.Message) []models.ToolUse {
	if len(messages) == 0 {
		return nil
	}
	last := messages[len(messages)-1]
	if last.Role != models.RoleAssistant {
		return nil
	}
	return last.ToolUses()
}

func (c *Conversation) checkUseIDs(uses []models.ToolUse) error {
	seen := make(map[string]bool, len(uses))
	for _, use := range uses {
		if use.ID == "" {
			return fmt.Errorf("tool use %s has no id", use.Name)
		}
		if c.useIDs[use.ID] || seen[use.ID] {
			return fmt.Errorf("duplicate tool use id %q", use.ID)
		}
		seen[use.ID] = true
	}
	return nil
}

func checkAnswers(pending []models.ToolUse, msg models.Message) error {
	want := make(map[string]bool, len(pending))
	for _, use := range pending {
		want[use.ID] = true
	}
	for _, b := range msg.Blocks {
		if b.Type != models.BlockToolResult || b.ToolResult == nil {
			return fmt.Errorf("tool_result message holds a %s block", b.Type)
		}
		id := b.ToolResult.ToolUseID
		if !want[id] {
			return fmt.Errorf("tool result %q answers no pending tool use", id)
		}
		delete(want, id)
	}
	if len(want) > 0 {
		return fmt.Errorf("tool_result message leaves %d tool uses unanswered", len(want))
	}
	return nil
}

// TrimImages replaces all but the newest policy.KeepImages tool result
// images with a text placeholder. Removal happens in multiples of
// policy.MinRemovalThreshold, oldest first. The input slice is not modified;
// messages that change are copied.
func TrimImages(messages []models.Message, policy RetentionPolicy) []models.Message {
	if policy.KeepImages <= 0 {
		return messages
	}
	chunk := policy.MinRemovalThreshold
	if chunk <= 0 {
		chunk = policy.KeepImages
	}

	total := 0
	for _, m := range messages {
		total += countImages(m)
	}
	remove := total - policy.KeepImages
	if remove <= 0 {
		return messages
	}
	remove -= remove % chunk
	if remove <= 0 {
		return messages
	}

	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if remove == 0 {
			break
		}
		if countImages(m) == 0 {
			continue
		}
		m = m.Clone()
		for bi := range m.Blocks {
			tr := m.Blocks[bi].ToolResult
			if tr == nil {
				continue
			}
			for pi, part := range tr.Content {
				if remove == 0 {
					break
				}
				if part.Type == models.PartImage {
					tr.Content[pi] = models.ContentPart{
						Type:    models.PartText,
						Text:    models.OmittedImagePlaceholder,
						Omitted: true,
					}
					remove--
				}
			}
		}
		out[i] = m
	}
	return out
}

func countImages(m models.Message) int {
	n := 0
	for _, b := range m.Blocks {
		if b.ToolResult == nil {
			continue
		}
		for _, part := range b.ToolResult.Content {
			if part.Type == models.PartImage {
				n++
			}
		}
	}
	return n
}

// CacheBreakpoints returns the indexes of the n most recent messages sent
// with the provider's user role, newest first.
func CacheBreakpoints(messages []models.Message, n int) []int {
	if n <= 0 {
		return nil
	}
	var out []int
	for i := len(messages) - 1; i >= 0 && len(out) < n; i-- {
		if messages[i].IsUserTurn() && len(messages[i].Blocks) > 0 {
			out = append(out, i)
		}
	}
	return out
}
