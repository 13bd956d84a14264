package siloapi

import (
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceDescMatchesSchema(t *testing.T) {
	src, err := os.ReadFile(Silo_ServiceDesc.Metadata.(string))
	require.NoError(t, err)
	schema := string(src)

	assert.Contains(t, schema, "package fedknn.v1;")
	assert.Regexp(t, `service Silo \{`, schema)

	for _, m := range Silo_ServiceDesc.Methods {
		assert.Regexp(t, regexp.MustCompile(`rpc `+m.MethodName+`\(`), schema, "unary %s", m.MethodName)
	}
	for _, s := range Silo_ServiceDesc.Streams {
		assert.Regexp(t, regexp.MustCompile(`rpc `+s.StreamName+`\(\w+\) returns \(stream \w+\)`), schema, "stream %s", s.StreamName)
	}
}

func TestSchemaFieldNumbers(t *testing.T) {
	src, err := os.ReadFile("silo.proto")
	require.NoError(t, err)
	schema := string(src)

	// spot-check numbers against the hand encoders
	for _, want := range []string{
		`uint32 k = 3;`,
		`uint32 encoding = 3;`,
		`int64 vector_id = 1;`,
		`float distance = 2;`,
		`repeated float vector = 4;`,
	} {
		assert.Contains(t, schema, want)
	}
}
