package batch

import (
	"errors"
	"reflect"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"+1 (555) 123-4567", "+15551234567"},
		{"  79001234567 ", "79001234567"},
		{"555+123", "555123"},
		{"abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normalizePhone(tt.input); got != tt.want {
				t.Errorf("normalizePhone(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"name": "Ann", "phone": "+100"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"simple", "Hi {{name}}", "Hi Ann"},
		{"spaces", "Hi {{ name }} at {{phone}}", "Hi Ann at +100"},
		{"unknown kept", "Hi {{nickname}}", "Hi {{nickname}}"},
		{"missing variable", "{{email}}!", "{{email}}!"},
		{"no placeholders", "plain", "plain"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderTemplate(tt.template, vars); got != tt.want {
				t.Errorf("renderTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTagSets(t *testing.T) {
	tests := []struct {
		name string
		op   TagOperation
		cur  []string
		tags []string
		want []string
	}{
		{"add keeps order", TagAdd, []string{"b", "a"}, []string{"a", "c", " c "}, []string{"b", "a", "c"}},
		{"remove", TagRemove, []string{"a", "b", "c"}, []string{"b", "x"}, []string{"a", "c"}},
		{"remove all", TagRemove, []string{"a"}, []string{"a"}, []string{}},
		{"replace", TagReplace, []string{"a"}, []string{"x", "x", ""}, []string{"x"}},
		{"replace with nothing", TagReplace, []string{"a"}, nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyTags(tt.cur, tt.tags, tt.op)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("applyTags() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	var cfg DeleteConfig

	if err := decodeStrict(nil, &cfg); err != nil {
		t.Errorf("empty configuration: unexpected error %v", err)
	}

	for _, raw := range []string{`{"contactIds":["a"]}{}`, `{"other":1}`, `[1]`} {
		var verr *ValidationError
		if err := decodeStrict([]byte(raw), &cfg); !errors.As(err, &verr) {
			t.Errorf("decodeStrict(%s) = %v, want ValidationError", raw, err)
		}
	}
}

func TestFromValidation(t *testing.T) {
	err := fromValidation(validation.Errors{
		"kind": errors.New("unknown job kind"),
		"contacts": validation.Errors{
			"1": validation.Errors{"phone": errors.New("invalid phone number")},
		},
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	want := map[string]string{
		"kind":             "unknown job kind",
		"contacts.1.phone": "invalid phone number",
	}
	if !reflect.DeepEqual(verr.Fields, want) {
		t.Errorf("Fields = %v, want %v", verr.Fields, want)
	}
	if got := verr.Error(); got != "invalid configuration: contacts.1.phone: invalid phone number; kind: unknown job kind" {
		t.Errorf("Error() = %q", got)
	}
}
