package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	apperrors "kgraph/backend/pkg/errors"
)

// Format names a supported conversation dataset layout
type Format string

const (
	FormatLoCoMo Format = "locomo"
	FormatLMSYS  Format = "lmsys"
)

// Turn is one utterance in a conversation
type Turn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Ref     string `json:"ref,omitempty"`
}

// Conversation is a dataset record normalized to speaker turns
type Conversation struct {
	ID    string `json:"id"`
	Turns []Turn `json:"turns"`
}

// Limits bound how much of a dataset is loaded. Zero means unlimited.
type Limits struct {
	MaxDialogues int
	MaxChunks    int
}

// ParseFormat maps a format name to a Format
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatLoCoMo:
		return FormatLoCoMo, nil
	case FormatLMSYS:
		return FormatLMSYS, nil
	}
	return "", apperrors.NewValidation("format", fmt.Sprintf("unknown dataset format %q", s))
}

// DetectFormat guesses the format from the file name
func DetectFormat(path string) (Format, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "locomo"):
		return FormatLoCoMo, nil
	case strings.Contains(name, "lmsys"):
		return FormatLMSYS, nil
	}
	return "", apperrors.NewValidation("format", "cannot tell the dataset format from "+filepath.Base(path))
}

// LoadFile opens path and loads it in the given format
func LoadFile(path string, format Format, limits Limits) ([]Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, format, limits)
}

// Load reads a dataset from r
func Load(r io.Reader, format Format, limits Limits) ([]Conversation, error) {
	switch format {
	case FormatLoCoMo:
		return LoadLoCoMo(r, limits.MaxDialogues)
	case FormatLMSYS:
		return LoadLMSYS(r, limits.MaxDialogues)
	}
	return nil, apperrors.NewValidation("format", fmt.Sprintf("unknown dataset format %q", format))
}

// ============================================================================
// LoCoMo
// ============================================================================

type locomoSample struct {
	SampleID     string                     `json:"sample_id"`
	Conversation map[string]json.RawMessage `json:"conversation"`
}

type locomoTurn struct {
	Speaker string `json:"speaker"`
	DiaID   string `json:"dia_id"`
	Text    string `json:"text"`
}

var sessionKey = regexp.MustCompile(`^session_(\d+)$`)

// LoadLoCoMo reads LoCoMo samples. Sessions are stitched together in
// session-number order.
func LoadLoCoMo(r io.Reader, max int) ([]Conversation, error) {
	var samples []locomoSample
	if err := json.NewDecoder(r).Decode(&samples); err != nil {
		return nil, fmt.Errorf("failed to decode LoCoMo dataset: %w", err)
	}

	out := make([]Conversation, 0, len(samples))
	for i, s := range samples {
		if max > 0 && len(out) >= max {
			break
		}
		type session struct {
			n    int
			data json.RawMessage
		}
		sessions := make([]session, 0)
		for key, raw := range s.Conversation {
			m := sessionKey.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			n, _ := strconv.Atoi(m[1])
			sessions = append(sessions, session{n: n, data: raw})
		}
		sort.Slice(sessions, func(a, b int) bool { return sessions[a].n < sessions[b].n })

		conv := Conversation{ID: s.SampleID}
		if conv.ID == "" {
			conv.ID = fmt.Sprintf("locomo-%d", i)
		}
		for _, sess := range sessions {
			var turns []locomoTurn
			if err := json.Unmarshal(sess.data, &turns); err != nil {
				return nil, fmt.Errorf("failed to decode session %d of %s: %w", sess.n, conv.ID, err)
			}
			for _, t := range turns {
				if strings.TrimSpace(t.Text) == "" {
					continue
				}
				conv.Turns = append(conv.Turns, Turn{Speaker: t.Speaker, Text: t.Text, Ref: t.DiaID})
			}
		}
		if len(conv.Turns) > 0 {
			out = append(out, conv)
		}
	}
	return out, nil
}

// ============================================================================
// LMSYS-Chat-1M
// ============================================================================

type lmsysRecord struct {
	ConversationID string `json:"conversation_id"`
	Conversation   []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"conversation"`
}

// LoadLMSYS reads LMSYS-Chat-1M records, either a JSON array or JSON lines
func LoadLMSYS(r io.Reader, max int) ([]Conversation, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read LMSYS dataset: %w", err)
	}

	var records []lmsysRecord
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode LMSYS dataset: %w", err)
		}
	} else {
		dec := json.NewDecoder(br)
		for {
			var rec lmsysRecord
			if err := dec.Decode(&rec); err == io.EOF {
				break
			} else if err != nil {
				return nil, fmt.Errorf("failed to decode LMSYS line %d: %w", len(records)+1, err)
			}
			records = append(records, rec)
			if max > 0 && len(records) >= max {
				break
			}
		}
	}

	out := make([]Conversation, 0, len(records))
	for i, rec := range records {
		if max > 0 && len(out) >= max {
			break
		}
		conv := Conversation{ID: rec.ConversationID}
		if conv.ID == "" {
			conv.ID = fmt.Sprintf("lmsys-%d", i)
		}
		for j, m := range rec.Conversation {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			conv.Turns = append(conv.Turns, Turn{Speaker: m.Role, Text: m.Content, Ref: strconv.Itoa(j)})
		}
		if len(conv.Turns) > 0 {
			out = append(out, conv)
		}
	}
	return out, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// ============================================================================
// Chunking
// ============================================================================

// Render formats turns as a "Speaker: text" transcript
func Render(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := strings.TrimSpace(t.Speaker)
		if speaker == "" {
			speaker = "unknown"
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(t.Text))
	}
	return b.String()
}

// Chunk splits turns into transcripts of at most size turns each, keeping
// at most maxChunks of them (zero keeps all)
func Chunk(turns []Turn, size, maxChunks int) []string {
	if size < 1 {
		size = 1
	}
	chunks := make([]string, 0, (len(turns)+size-1)/size)
	for start := 0; start < len(turns); start += size {
		if maxChunks > 0 && len(chunks) >= maxChunks {
			break
		}
		end := start + size
		if end > len(turns) {
			end = len(turns)
		}
		chunks = append(chunks, Render(turns[start:end]))
	}
	return chunks
}

// Chunks splits the conversation with Chunk
func (c Conversation) Chunks(size, maxChunks int) []string {
	return Chunk(c.Turns, size, maxChunks)
}
