package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna/internal/protocol"
)

func TestProposalStoreChainInvariant(t *testing.T) {
	s := NewProposalStore()

	offer := Proposal{ID: "offer-1", Issuer: IssuerProvider}
	require.NoError(t, s.Add(offer))

	counter := Proposal{ID: "prop-1", Issuer: IssuerRequestor, PrevProposalID: "offer-1"}
	require.NoError(t, s.Add(counter))

	reply := Proposal{ID: "offer-2", Issuer: IssuerProvider, PrevProposalID: "prop-1"}
	require.NoError(t, s.Add(reply))

	chain := s.Chain("offer-2")
	require.Len(t, chain, 3)
	assert.Equal(t, "offer-2", chain[0].ID)
	assert.Equal(t, "prop-1", chain[1].ID)
	assert.Equal(t, "offer-1", chain[2].ID)
}

func TestProposalStoreRejectsDuplicateID(t *testing.T) {
	s := NewProposalStore()
	require.NoError(t, s.Add(Proposal{ID: "offer-1", Issuer: IssuerProvider}))

	err := s.Add(Proposal{ID: "offer-1", Issuer: IssuerProvider})
	require.Error(t, err)
	assert.True(t, protocol.IsConflict(err))
}

func TestProposalStoreRejectsUnknownBackReference(t *testing.T) {
	s := NewProposalStore()

	err := s.Add(Proposal{ID: "prop-1", Issuer: IssuerRequestor, PrevProposalID: "ghost"})
	require.Error(t, err)
	assert.True(t, protocol.IsNotFound(err))
}

func TestProposalStoreRejectsSamePartyBackReference(t *testing.T) {
	s := NewProposalStore()
	require.NoError(t, s.Add(Proposal{ID: "offer-1", Issuer: IssuerProvider}))

	err := s.Add(Proposal{ID: "offer-2", Issuer: IssuerProvider, PrevProposalID: "offer-1"})
	require.Error(t, err)
	assert.True(t, protocol.IsConflict(err))
}

func TestProposalStoreRejectsMissingID(t *testing.T) {
	s := NewProposalStore()

	err := s.Add(Proposal{Issuer: IssuerProvider})
	require.Error(t, err)
	assert.True(t, protocol.IsValidation(err))
}

func TestProposalStoreInsertionOrder(t *testing.T) {
	s := NewProposalStore()
	require.NoError(t, s.Add(Proposal{ID: "offer-1", Issuer: IssuerProvider}))
	require.NoError(t, s.Add(Proposal{ID: "offer-2", Issuer: IssuerProvider}))
	require.NoError(t, s.Add(Proposal{ID: "offer-3", Issuer: IssuerProvider}))

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "offer-1", all[0].ID)
	assert.Equal(t, "offer-2", all[1].ID)
	assert.Equal(t, "offer-3", all[2].ID)
	assert.Equal(t, 3, s.Len())
}

func TestProposalStoreChainUnknownID(t *testing.T) {
	s := NewProposalStore()
	assert.Empty(t, s.Chain("ghost"))
}

func TestProposalStoreGet(t *testing.T) {
	s := NewProposalStore()
	require.NoError(t, s.Add(Proposal{ID: "offer-1", Issuer: IssuerProvider}))

	p, ok := s.Get("offer-1")
	assert.True(t, ok)
	assert.Equal(t, IssuerProvider, p.Issuer)

	_, ok = s.Get("ghost")
	assert.False(t, ok)
}
