package services

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ragkit/ragchat/internal/models"
)

// streamSeparator is the literal two-backslash sequence the backend embeds
// between fragments of a streamed response. The framing is not line-based and
// a fragment may straddle any number of transport chunks, so the parser has
// to carry partial data across Feed calls.
const streamSeparator = `\\`

// streamSentinel marks stream establishment and carries no payload.
const streamSentinel = "connecting"

type streamFragment struct {
	Message struct {
		// AIMessage is a pointer so a fragment without the key can be told
		// apart from one carrying an empty delta.
		AIMessage *string `json:"a_i_message"`
		ID        int64   `json:"id"`
	} `json:"message"`
}

// StreamParser incrementally decodes the backend's fragment-framed message
// stream into accumulated-content updates. Fragments that fail to decode are
// skipped and logged rather than aborting the stream; losing a few characters
// to a corrupted fragment is preferable to dropping the whole response.
//
// A StreamParser holds state across calls and is not safe for concurrent use.
type StreamParser struct {
	carry     string
	acc       strings.Builder
	messageID int64

	logger *slog.Logger
}

// NewStreamParser creates a parser for a single streamed response.
func NewStreamParser(logger *slog.Logger) *StreamParser {
	return &StreamParser{
		logger: logger.With(slog.String("module", "streamparser")),
	}
}

// Feed consumes one raw transport chunk and returns an update for every
// complete fragment it finished, in stream order. The trailing portion of the
// chunk after the last separator is buffered until the next Feed or Close.
func (p *StreamParser) Feed(chunk string) []models.StreamUpdate {
	parts := strings.Split(p.carry+chunk, streamSeparator)
	p.carry = parts[len(parts)-1]

	var updates []models.StreamUpdate
	for _, seg := range parts[:len(parts)-1] {
		if u, ok := p.consume(seg); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

// Close flushes the buffered trailing fragment once end-of-body has been
// observed. It returns an update if that final fragment carried content.
func (p *StreamParser) Close() (models.StreamUpdate, bool) {
	seg := p.carry
	p.carry = ""
	return p.consume(seg)
}

// Result returns the full accumulated text and the last server-assigned
// message id observed, used to finalize the in-flight message.
func (p *StreamParser) Result() models.StreamUpdate {
	return models.StreamUpdate{
		Text:      p.acc.String(),
		MessageID: p.messageID,
	}
}

func (p *StreamParser) consume(seg string) (models.StreamUpdate, bool) {
	seg = strings.TrimSpace(seg)
	if seg == "" || seg == streamSentinel {
		return models.StreamUpdate{}, false
	}

	var frag streamFragment
	if err := json.Unmarshal([]byte(seg), &frag); err != nil {
		p.logger.Warn("Skipping malformed stream fragment",
			slog.String("fragment", seg),
			slog.String("err", err.Error()))
		return models.StreamUpdate{}, false
	}
	if frag.Message.ID != 0 {
		p.messageID = frag.Message.ID
	}
	if frag.Message.AIMessage == nil {
		p.logger.Debug("Stream fragment carries no assistant text",
			slog.String("fragment", seg))
		return models.StreamUpdate{}, false
	}
	p.acc.WriteString(*frag.Message.AIMessage)

	return p.Result(), true
}
