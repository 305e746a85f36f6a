package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenMatchRejectsNamePrefixCollision(t *testing.T) {
	// A player named "PIerre" must not be misread as the C45PI ping token.
	assert.False(t, TokenMatch("C45PIerre", TokPing))
	assert.True(t, TokenMatch("C45PI\n", TokPing))
	assert.True(t, TokenMatch("C45PI", TokPing))
	assert.True(t, TokenMatch("C45PI ", TokPing))
}

func TestSnapshotRoundTrip(t *testing.T) {
	counts := []int{0, 2, 9, 12}
	running := []bool{false, true, false, true}
	line := BuildSnapshot(counts, running)

	gotCounts, gotRunning, err := ParseSnapshot(line)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 9, 9}, gotCounts) // 12 clamps to 9
	assert.Equal(t, running, gotRunning)
}

func TestSnapshotFitsOneLineAt200Lobbies(t *testing.T) {
	counts := make([]int, 200)
	running := make([]bool, 200)
	line := BuildSnapshot(counts, running)
	assert.Equal(t, 1, countNewlines(line))
}

func countNewlines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func TestParseNameBoundary(t *testing.T) {
	name63 := make([]byte, 63)
	for i := range name63 {
		name63[i] = 'a'
	}
	_, err := ParseName("C45" + string(name63))
	require.NoError(t, err)

	name64 := append(name63, 'a')
	_, err = ParseName("C45" + string(name64))
	assert.Error(t, err)
}

func TestParseNameRejectsWhitespace(t *testing.T) {
	_, err := ParseName("C45bad name")
	assert.Error(t, err)
}

func TestBackRequestFor(t *testing.T) {
	isBack, matches := BackRequestFor("C45Alice back", "Alice")
	assert.True(t, isBack)
	assert.True(t, matches)

	isBack, matches = BackRequestFor("C45Aliceback", "Bob")
	assert.True(t, isBack)
	assert.False(t, matches)

	isBack, _ = BackRequestFor("C45H", "Alice")
	assert.False(t, isBack)
}

func TestParseReconnect(t *testing.T) {
	req, err := ParseReconnect("C45REC Alice 3")
	require.NoError(t, err)
	assert.Equal(t, "Alice", req.Name)
	assert.Equal(t, 3, req.LobbyIdx)
}

func TestParseJoinRejectsLegacyDigitForm(t *testing.T) {
	// The modern C45J <n> form is authoritative (§9 open question); a bare
	// "C45<name><digit>" legacy line is not a valid C45J line at all, and
	// callers must reject it rather than silently parsing it.
	_, err := ParseJoin("C45Alice3")
	assert.Error(t, err)

	n, err := ParseJoin("C45J 12")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}
