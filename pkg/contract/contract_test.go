package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOutputContractMicroFileHappyPath(t *testing.T) {
	c := DefaultContract(ModeMicroFile)
	raw := `{"files":[{"path":"hello.txt","content":"hi"}]}`

	parsed, err := ValidateOutputContract(c, raw)
	require.NoError(t, err)
	require.Len(t, parsed.Files, 1)
	assert.Equal(t, "hello.txt", parsed.Files[0].Path)
}

func TestValidateOutputContractRejectsPreamble(t *testing.T) {
	c := DefaultContract(ModeMicroFile)
	raw := `Sure! {"files":[{"path":"hello.txt","content":"hi"}]}`

	_, err := ValidateOutputContract(c, raw)
	require.Error(t, err)
	var cv *ContractViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "extra_text_outside_json", cv.Violations[0].Code)
}

func TestValidateOutputContractRejectsWrongFileCount(t *testing.T) {
	c := DefaultContract(ModeMicroFile)
	raw := `{"files":[{"path":"a.txt","content":"1"},{"path":"b.txt","content":"2"}]}`

	_, err := ValidateOutputContract(c, raw)
	require.Error(t, err)
}

func TestValidateOutputContractProjectModeExtractsFromFencedResponse(t *testing.T) {
	c := DefaultContract(ModeProject)
	raw := "Here you go:\n```json\n{\"files\":[{\"path\":\"a.py\",\"content\":\"x=1\"}]}\n```\nLet me know if you need more."

	parsed, err := ValidateOutputContract(c, raw)
	require.NoError(t, err)
	require.Len(t, parsed.Files, 1)
	assert.Equal(t, "a.py", parsed.Files[0].Path)
}

func TestValidateOutputContractEnforcesAllowedPaths(t *testing.T) {
	c := DefaultContract(ModeSmallCode)
	c.AllowedPaths = []string{"a.py"}
	raw := `{"files":[{"path":"b.py","content":"x"}]}`

	_, err := ValidateOutputContract(c, raw)
	require.Error(t, err)
	var cv *ContractViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "path_not_allowed", cv.Violations[0].Code)
}

func TestExtractFirstJSONObjectHandlesNestedBracesAndStrings(t *testing.T) {
	text := `noise before {"a": {"b": "}}} still a string"}, "c": 1} noise after`
	extracted, ok := ExtractFirstJSONObject(text)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": "}}} still a string"}, "c": 1}`, extracted)
}

func TestExtractFirstJSONObjectNoObjectFound(t *testing.T) {
	_, ok := ExtractFirstJSONObject("just some prose, no braces here")
	assert.False(t, ok)
}

func TestBuildContractRepairPromptMentionsEachViolation(t *testing.T) {
	c := DefaultContract(ModeMicroFile)
	prompt := BuildContractRepairPrompt(c, []Violation{
		{Code: "extra_text_outside_json", Message: "trailing content"},
	})
	assert.Contains(t, prompt, "extra_text_outside_json")
	assert.Contains(t, prompt, "files")
}
