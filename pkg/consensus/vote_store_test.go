package consensus

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoteStoreDefaultRecord(t *testing.T) {
	filePath := path.Join(t.TempDir(), "vote-state.json")

	voteStore := NewVoteStore(filePath)
	require.NoError(t, voteStore.Open())
	defer voteStore.Close()

	var record VoteRecord
	require.NoError(t, voteStore.Read(&record))

	assert.Equal(t, Term(0), record.CurrentTerm)
	assert.Equal(t, NodeId(""), record.VotedFor)
}

func TestVoteStoreSurvivesReopen(t *testing.T) {
	filePath := path.Join(t.TempDir(), "vote-state.json")

	voteStore := NewVoteStore(filePath)
	require.NoError(t, voteStore.Open())

	record := VoteRecord{CurrentTerm: 7, VotedFor: "n2"}
	require.NoError(t, voteStore.Write(record))

	voteStore.Close()

	// A node which restarts must remember its vote
	voteStore = NewVoteStore(filePath)
	require.NoError(t, voteStore.Open())
	defer voteStore.Close()

	var read VoteRecord
	require.NoError(t, voteStore.Read(&read))

	assert.Equal(t, record, read)
}

func TestVoteStoreOverwrite(t *testing.T) {
	filePath := path.Join(t.TempDir(), "vote-state.json")

	voteStore := NewVoteStore(filePath)
	require.NoError(t, voteStore.Open())
	defer voteStore.Close()

	require.NoError(t, voteStore.Write(VoteRecord{CurrentTerm: 100,
		VotedFor: "long-node-name"}))
	require.NoError(t, voteStore.Write(VoteRecord{CurrentTerm: 101}))

	var read VoteRecord
	require.NoError(t, voteStore.Read(&read))

	assert.Equal(t, Term(101), read.CurrentTerm)
	assert.Equal(t, NodeId(""), read.VotedFor)
}
