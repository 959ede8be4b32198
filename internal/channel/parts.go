package channel

import "fmt"

// MetaDeliveredParts is the message metadata key holding the provider ids of
// parts that reached the provider in an earlier attempt, keyed by part name.
const MetaDeliveredParts = "delivered_parts"

// PartialSendError reports a multi-part send that failed after some parts
// were delivered. Delivered includes parts from earlier attempts.
type PartialSendError struct {
	Delivered map[string]string
	Err       error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("%d part(s) delivered before failure: %v", len(e.Delivered), e.Err)
}

func (e *PartialSendError) Unwrap() error {
	return e.Err
}

// Parts tracks the parts of one outbound message across attempts. Parts
// already delivered are skipped and their stored ids reused.
type Parts struct {
	done map[string]string
	ids  []string
}

// NewParts loads the delivered parts recorded in message metadata.
func NewParts(meta map[string]any) *Parts {
	p := &Parts{done: map[string]string{}}
	switch v := meta[MetaDeliveredParts].(type) {
	case map[string]string:
		for key, id := range v {
			p.done[key] = id
		}
	case map[string]any:
		for key, raw := range v {
			if id, ok := raw.(string); ok && id != "" {
				p.done[key] = id
			}
		}
	}
	return p
}

// Do sends one part unless an earlier attempt delivered it.
func (p *Parts) Do(key string, send func() (string, error)) error {
	if id, ok := p.done[key]; ok {
		p.ids = append(p.ids, id)
		return nil
	}
	id, err := send()
	if err != nil {
		return err
	}
	p.done[key] = id
	p.ids = append(p.ids, id)
	return nil
}

// IDs returns the provider ids in send order.
func (p *Parts) IDs() []string {
	return p.ids
}

// Fail wraps err with the delivered parts, or returns it unchanged when
// nothing was delivered.
func (p *Parts) Fail(err error) error {
	if err == nil || len(p.done) == 0 {
		return err
	}
	delivered := make(map[string]string, len(p.done))
	for key, id := range p.done {
		delivered[key] = id
	}
	return &PartialSendError{Delivered: delivered, Err: err}
}

