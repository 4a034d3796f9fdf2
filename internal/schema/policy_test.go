package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `
schemas: {
	transfer: {
		from:      string & !=""
		to:        string & !=""
		amount:    number & >0
		currency?: "EUR" | "USD"
	}
	login: {
		user_id: string
		success: bool
	}
}
`

func compileTestPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := Compile("test.cue", []byte(testPolicy))
	require.NoError(t, err)
	return p
}

func TestCompile_listsEventTypes(t *testing.T) {
	p := compileTestPolicy(t)
	assert.Equal(t, []string{"login", "transfer"}, p.EventTypes())
}

func TestValidate(t *testing.T) {
	p := compileTestPolicy(t)

	tests := []struct {
		name      string
		eventType string
		payload   string
		wantErr   bool
		contains  string
	}{
		{"valid transfer", "transfer", `{"from":"a1","to":"a2","amount":100}`, false, ""},
		{"extra fields allowed", "transfer", `{"from":"a1","to":"a2","amount":1.5,"memo":"rent"}`, false, ""},
		{"optional field valid", "transfer", `{"from":"a1","to":"a2","amount":1,"currency":"EUR"}`, false, ""},
		{"negative amount", "transfer", `{"from":"a1","to":"a2","amount":-5}`, true, "amount"},
		{"missing field", "transfer", `{"from":"a1","amount":5}`, true, "to"},
		{"wrong type", "login", `{"user_id":"u1","success":"yes"}`, true, "success"},
		{"bad enum", "transfer", `{"from":"a1","to":"a2","amount":1,"currency":"JPY"}`, true, "currency"},
		{"unknown event type", "password_reset", `{"anything":[1,2,3]}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.eventType, []byte(tt.payload))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var v *Violation
			require.True(t, errors.As(err, &v))
			assert.Equal(t, tt.eventType, v.EventType)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestValidate_nilPolicyAcceptsEverything(t *testing.T) {
	var p *Policy
	assert.NoError(t, p.Validate("transfer", []byte(`{}`)))
	assert.Nil(t, p.EventTypes())
}

func TestCompile_errors(t *testing.T) {
	_, err := Compile("bad.cue", []byte(`schemas: { transfer: {`))
	assert.Error(t, err)

	_, err = Compile("empty.cue", []byte(`other: 1`))
	assert.ErrorContains(t, err, "schemas")

	_, err = Compile("scalar.cue", []byte(`schemas: transfer: 5`))
	assert.ErrorContains(t, err, "must be a struct")
}

func TestLoadFile_shippedPolicy(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "schemas.cue")
	if _, err := os.Stat(path); err != nil {
		t.Skip("configs/schemas.cue not present")
	}
	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Contains(t, p.EventTypes(), "transfer")
	assert.NoError(t, p.Validate("transfer", []byte(`{"from":"a1","to":"a2","amount":100}`)))
	assert.Error(t, p.Validate("transfer", []byte(`{"from":"a1","to":"a2","amount":0}`)))
}
