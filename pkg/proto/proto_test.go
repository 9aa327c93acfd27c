package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestUnmarshalJSON(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		var req Request
		require.NoError(t, json.Unmarshal([]byte(`{"hash":"abc","data":"YWJj"}`), &req))
		assert.Equal(t, "abc", req.Hash)
		assert.Equal(t, "YWJj", req.Data)
	})

	t.Run("EmptyStringsAreAllowed", func(t *testing.T) {
		var req Request
		require.NoError(t, json.Unmarshal([]byte(`{"hash":"","data":""}`), &req))
		assert.Empty(t, req.Data)
	})

	invalid := []string{
		`not json`,
		`{}`,
		`{"hash":"abc"}`,
		`{"data":"YWJj"}`,
		`{"hash":1,"data":"YWJj"}`,
		`{"hash":"abc","data":["YWJj"]}`,
		`["abc","YWJj"]`,
	}

	for _, message := range invalid {
		var req Request
		assert.Error(t, json.Unmarshal([]byte(message), &req), message)
	}
}

func TestResponseWireShape(t *testing.T) {
	resp := Response{
		Results: CategorizedFindings{
			"urls": {
				{Category: "urls", RuleName: "pastebin", Description: "Pastebin link", Severity: 2},
			},
		},
		Hash:     "deadbeef",
		Verdict:  Suspicious,
		Severity: SeverityMedium,
		Score:    64,
	}

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"results": {"urls": [{"category":"urls","rule_name":"pastebin","description":"Pastebin link","severity":2}]},
		"hash": "deadbeef",
		"verdict": "Suspicious",
		"severity": "Medium",
		"score": 64
	}`, string(out))

	out, err = json.Marshal(ErrorResponse{Error: InvalidRequestFormat})
	require.NoError(t, err)
	assert.Equal(t, `{"error":"Invalid request format"}`, string(out))
}

func TestCategorizedFindingsCount(t *testing.T) {
	assert.Equal(t, 0, CategorizedFindings{}.Count())
	assert.Equal(t, 3, CategorizedFindings{
		"a": {{}, {}},
		"b": {{}},
		"c": nil,
	}.Count())
}
