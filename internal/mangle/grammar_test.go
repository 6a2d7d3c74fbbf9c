package mangle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
Decl grant(Command, Role) bound [/string, /string].
Decl severity(Level) bound [/name].
Decl score(Subject, Value) bound [/string, /number].
`

func newTestValidator(t *testing.T) *AtomValidator {
	t.Helper()
	v := NewAtomValidator()
	require.NoError(t, v.UpdateFromSchema(testSchema))
	return v
}

func TestUpdateFromSchemaParsesBoundClause(t *testing.T) {
	v := newTestValidator(t)

	spec, ok := v.ValidPredicates["grant"]
	require.True(t, ok)
	assert.Equal(t, 2, spec.Arity)
	assert.Equal(t, ArgTypeString, spec.Args[0].Type)
	assert.Equal(t, ArgTypeString, spec.Args[1].Type)
}

func TestUpdateFromSchemaMapsNameAndNumberTypes(t *testing.T) {
	v := newTestValidator(t)

	sev, ok := v.ValidPredicates["severity"]
	require.True(t, ok)
	assert.Equal(t, ArgTypeName, sev.Args[0].Type)

	score, ok := v.ValidPredicates["score"]
	require.True(t, ok)
	assert.Equal(t, ArgTypeString, score.Args[0].Type)
	assert.Equal(t, ArgTypeNumber, score.Args[1].Type)
}

func TestValidateAtomAcceptsWellFormedFact(t *testing.T) {
	v := newTestValidator(t)
	result := v.ValidateAtom(FormatAtom("grant", "corpus.build", "operator"))
	assert.True(t, result.Valid, "%v", result.Errors)
}

func TestValidateAtomRejectsWrongArity(t *testing.T) {
	v := newTestValidator(t)
	result := v.ValidateAtom(`grant("corpus.build")`)
	assert.False(t, result.Valid)
}

func TestValidateAtomRejectsTypeMismatch(t *testing.T) {
	v := newTestValidator(t)
	// score's second argument is declared /number, not a quoted string.
	result := v.ValidateAtom(`score("subject", "not-a-number")`)
	assert.False(t, result.Valid)
}

func TestValidateAtomFlagsUnknownPredicateAsWarningOnly(t *testing.T) {
	v := newTestValidator(t)
	result := v.ValidateAtom(`unknown_predicate("x")`)
	// Unknown predicates are a warning, not a hard failure, so
	// undeclared-but-well-formed facts from an older schema still pass.
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestFormatAtomQuotesStringsAndPassesNameConstants(t *testing.T) {
	atom := FormatAtom("grant", "corpus.build", "/operator")
	assert.Equal(t, `grant("corpus.build", /operator)`, atom)
}
