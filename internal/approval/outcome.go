package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"experimenter/internal/domain"
)

// GenericSubmitError is shown for transport failures and missing responses.
const GenericSubmitError = "Sorry, an error occurred while submitting. Please try again."

type OutcomeKind int

const (
	// OutcomeFailed covers transport errors and responses with no message.
	OutcomeFailed OutcomeKind = iota
	// OutcomeInvalid is any present message other than the success sentinel.
	OutcomeInvalid
	OutcomeSuccess
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalid:
		return "invalid"
	}
	return "failed"
}

type Outcome struct {
	Kind OutcomeKind
	// Errors holds the field-keyed validation errors of an invalid outcome.
	Errors map[string][]string
	// Message is the text to show the user; empty on success.
	Message string
	Err     error
}

// ParseOutcome classifies a mutation response. Only the literal string
// "success" counts as success. A present object, even an empty one, is a
// validation failure. A nil result, absent message or JSON null is a failure.
func ParseOutcome(res *domain.MutationResult, err error) Outcome {
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Message: GenericSubmitError, Err: err}
	}
	if res == nil {
		return Outcome{Kind: OutcomeFailed, Message: GenericSubmitError}
	}
	raw := bytes.TrimSpace(res.Message)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Outcome{Kind: OutcomeFailed, Message: GenericSubmitError}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Outcome{Kind: OutcomeInvalid, Message: GenericSubmitError, Err: err}
		}
		if s == domain.SuccessMessage {
			return Outcome{Kind: OutcomeSuccess}
		}
		if s == "" {
			s = GenericSubmitError
		}
		return Outcome{Kind: OutcomeInvalid, Message: s}
	case '{':
		errs, err := decodeErrors(raw)
		if err != nil {
			return Outcome{Kind: OutcomeInvalid, Message: GenericSubmitError, Err: err}
		}
		return Outcome{Kind: OutcomeInvalid, Errors: errs, Message: FormatErrors(errs)}
	}
	return Outcome{Kind: OutcomeInvalid, Message: GenericSubmitError}
}

// decodeErrors accepts both string and string-array values per field.
func decodeErrors(raw []byte) (map[string][]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(fields))
	for k, v := range fields {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			out[k] = list
			continue
		}
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[k] = []string{one}
			continue
		}
		out[k] = []string{strings.TrimSpace(string(v))}
	}
	return out, nil
}

// FormatErrors renders a validation map for display. A status key wins and is
// joined with ", ". Otherwise fields are listed in name order. An empty map
// yields the generic message.
func FormatErrors(errs map[string][]string) string {
	if msgs, ok := errs["status"]; ok && len(msgs) > 0 {
		return strings.Join(msgs, ", ")
	}
	keys := make([]string, 0, len(errs))
	for k, v := range errs {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return GenericSubmitError
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(errs[k], ", ")))
	}
	return strings.Join(parts, "; ")
}
