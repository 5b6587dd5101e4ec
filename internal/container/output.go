package container

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/slok/codeclaw/internal/model"
)

// Output protocol markers.
const (
	OutputStartMarker = "---CODECLAW_OUTPUT_START---"
	OutputEndMarker   = "---CODECLAW_OUTPUT_END---"
)

// OutputParser extracts the output records from the agent stdout stream. It keeps
// up to max bytes of the raw stream for the run log, the rest is parsed and dropped.
type OutputParser struct {
	max      int
	onRecord func()

	mu        sync.Mutex
	raw       bytes.Buffer
	pending   []byte
	outputs   []Output
	malformed []error
	truncated bool
}

// NewOutputParser returns a new parser. onRecord is called after every parsed record.
func NewOutputParser(max int, onRecord func()) *OutputParser {
	if onRecord == nil {
		onRecord = func() {}
	}
	return &OutputParser{max: max, onRecord: onRecord}
}

// Write satisfies io.Writer.
func (p *OutputParser) Write(b []byte) (int, error) {
	p.mu.Lock()
	if remaining := p.max - p.raw.Len(); remaining > 0 {
		if len(b) > remaining {
			p.raw.Write(b[:remaining])
			p.truncated = true
		} else {
			p.raw.Write(b)
		}
	} else if len(b) > 0 {
		p.truncated = true
	}

	p.pending = append(p.pending, b...)
	n := p.parse()
	p.mu.Unlock()

	for range n {
		p.onRecord()
	}
	return len(b), nil
}

// parse consumes the complete records in the pending buffer and returns how many were found.
func (p *OutputParser) parse() int {
	start, end := []byte(OutputStartMarker), []byte(OutputEndMarker)
	found := 0

	for {
		i := bytes.Index(p.pending, start)
		if i < 0 {
			// Keep a possible partial start marker.
			if keep := len(start) - 1; len(p.pending) > keep {
				p.pending = append([]byte{}, p.pending[len(p.pending)-keep:]...)
			}
			return found
		}

		j := bytes.Index(p.pending[i+len(start):], end)
		if j < 0 {
			p.pending = p.pending[i:]
			// A record can't be bigger than the captured output.
			if len(p.pending) > p.max {
				p.malformed = append(p.malformed, fmt.Errorf("output record bigger than %d bytes: %w", p.max, model.ErrIPCProtocol))
				p.pending = nil
			}
			return found
		}

		body := bytes.TrimSpace(p.pending[i+len(start) : i+len(start)+j])
		p.pending = p.pending[i+len(start)+j+len(end):]

		var out Output
		if err := json.Unmarshal(body, &out); err != nil {
			p.malformed = append(p.malformed, fmt.Errorf("malformed output record: %s: %w", err, model.ErrIPCProtocol))
			continue
		}
		if out.Status == "" {
			out.Status = OutputStatusSuccess
		}
		p.outputs = append(p.outputs, out)
		found++
	}
}

// ReadFrom reads the stream until EOF, satisfies io.ReaderFrom.
func (p *OutputParser) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = p.Write(buf[:n])
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

// Outputs returns the parsed records in order.
func (p *OutputParser) Outputs() []Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Output{}, p.outputs...)
}

// Malformed returns the protocol errors found.
func (p *OutputParser) Malformed() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error{}, p.malformed...)
}

// Raw returns the captured stdout and if it was truncated.
func (p *OutputParser) Raw() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte{}, p.raw.Bytes()...), p.truncated
}
