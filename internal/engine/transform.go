package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outreach-sync/internal/repository"
)

// ErrMissingRequiredField is returned when a required field is absent from
// the source record. The enclosing queue item fails rather than sending a
// partial record.
var ErrMissingRequiredField = errors.New("missing required field")

// ErrUnknownTransform is returned when a field mapping names a transform
// that is not registered.
var ErrUnknownTransform = errors.New("unknown transform")

// TransformFunc converts one field value. Pure: no I/O, no shared state.
type TransformFunc func(value any) (any, error)

// Transformer applies per-tenant field mapping configuration to records.
// Direction filtering, required-field enforcement, and named per-field
// transforms all happen here; it is plain data in, plain data out.
type Transformer struct {
	transforms map[string]TransformFunc
}

// NewTransformer creates a transformer with the built-in transform set
func NewTransformer() *Transformer {
	t := &Transformer{transforms: make(map[string]TransformFunc)}
	t.RegisterTransform("lowercase", transformLowercase)
	t.RegisterTransform("uppercase", transformUppercase)
	t.RegisterTransform("trim", transformTrim)
	t.RegisterTransform("digits_only", transformDigitsOnly)
	t.RegisterTransform("epoch_to_rfc3339", transformEpochToRFC3339)
	t.RegisterTransform("rfc3339_to_epoch", transformRFC3339ToEpoch)
	return t
}

// RegisterTransform adds or replaces a named transform
func (t *Transformer) RegisterTransform(name string, fn TransformFunc) {
	t.transforms[name] = fn
}

// Apply builds the target record from source, honoring each mapping's
// direction and required flag. Outbound reads local_field and writes
// remote_field; inbound is the mirror image. Mappings are applied in the
// order given (callers pass them sorted by sync_priority).
func (t *Transformer) Apply(mappings []repository.FieldMapping, direction repository.Direction, source map[string]any) (map[string]any, error) {
	target := make(map[string]any)

	for _, m := range mappings {
		if !directionMatches(m.Direction, direction) {
			continue
		}

		sourceField, targetField := m.LocalField, m.RemoteField
		if direction == repository.DirectionInbound {
			sourceField, targetField = m.RemoteField, m.LocalField
		}

		value, ok := source[sourceField]
		if !ok || value == nil {
			if m.Required {
				return nil, fmt.Errorf("%w: %s", ErrMissingRequiredField, sourceField)
			}
			continue
		}

		if m.Transform != nil {
			fn, ok := t.transforms[*m.Transform]
			if !ok {
				return nil, fmt.Errorf("%w: %q for field %s", ErrUnknownTransform, *m.Transform, sourceField)
			}
			transformed, err := fn(value)
			if err != nil {
				return nil, fmt.Errorf("transform %q on field %s: %w", *m.Transform, sourceField, err)
			}
			value = transformed
		}

		target[targetField] = value
	}

	return target, nil
}

func directionMatches(fieldDir repository.FieldDirection, syncDir repository.Direction) bool {
	switch fieldDir {
	case repository.FieldBidirectional:
		return true
	case repository.FieldOutbound:
		return syncDir == repository.DirectionOutbound
	case repository.FieldInbound:
		return syncDir == repository.DirectionInbound
	}
	return false
}

// Built-in transforms

func transformLowercase(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func transformUppercase(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func transformTrim(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

// transformDigitsOnly strips everything but digits and a leading plus sign,
// the normalization CRMs commonly expect for phone numbers.
func transformDigitsOnly(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else if r == '+' && i == 0 {
			sb.WriteRune(r)
		}
	}
	return sb.String(), nil
}

func transformEpochToRFC3339(value any) (any, error) {
	var secs int64
	switch v := value.(type) {
	case float64:
		secs = int64(v)
	case int64:
		secs = v
	case int:
		secs = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an epoch timestamp: %q", v)
		}
		secs = parsed
	default:
		return nil, fmt.Errorf("not an epoch timestamp: %T", value)
	}
	return time.Unix(secs, 0).UTC().Format(time.RFC3339), nil
}

func transformRFC3339ToEpoch(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("not an RFC3339 timestamp: %q", s)
	}
	return ts.Unix(), nil
}

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}
