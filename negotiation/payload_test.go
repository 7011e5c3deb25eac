package negotiation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmcpd/types"
)

func TestRequestURL(t *testing.T) {
	cases := map[string]string{
		"https://a.test/vmcp":           "https://a.test/vmcp?cvm_salt=S&cvm_hostid=H",
		"https://a.test/vmcp?x=1":       "https://a.test/vmcp?x=1&cvm_salt=S&cvm_hostid=H",
		"https://a.test/vmcp#frag":      "https://a.test/vmcp?cvm_salt=S&cvm_hostid=H#frag",
		"https://a.test/vmcp?x=1#f?g=2": "https://a.test/vmcp?x=1&cvm_salt=S&cvm_hostid=H#f?g=2",
	}
	for in, want := range cases {
		assert.Equal(t, want, requestURL(in, "S", "H"), in)
	}
}

func TestParsePayloadKeepsIntegers(t *testing.T) {
	p, err := parsePayload(`{"name":"vm","memory":4096,"ratio":1.5}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("4096"), p["memory"])
	n, ok := p.Int("memory")
	assert.True(t, ok)
	assert.EqualValues(t, 4096, n)
}

func TestCheckShape(t *testing.T) {
	schema, err := compileSchema()
	require.NoError(t, err)

	valid := func() types.Payload {
		return types.Payload{
			"name":         "vm",
			"secret":       "pw",
			"signature":    "sig",
			"cpus":         json.Number("2"),
			"memory":       "1024",
			"diskURL":      "https://a.test/disk.img",
			"diskChecksum": "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
			"version":      json.Number("3"),
		}
	}
	require.NoError(t, checkShape(schema, valid()))

	p := valid()
	p["diskURL"] = "not a url"
	assert.Equal(t, types.CodeUsageError, types.CodeOf(checkShape(schema, p)))

	p = valid()
	p["apiPort"] = json.Number("1.5")
	assert.Equal(t, types.CodeUsageError, types.CodeOf(checkShape(schema, p)))

	p = valid()
	delete(p, "secret")
	delete(p, "name")
	err = checkShape(schema, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'name'", "name is reported first")
}
