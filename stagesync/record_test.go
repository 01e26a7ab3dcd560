package stagesync

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func decp(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestPayloadCodec_RoundTrip(t *testing.T) {
	payload := &PaymentFields{
		ContractID:       strp("contract-1"),
		EmployeeID:       strp("emp-1"),
		Role:             strp("lead"),
		StageName:        strp("foundation"),
		PaymentType:      strp("advance"),
		CalculatedAmount: decp("1250.50"),
		FinalAmount:      decp("1300"),
		PaymentStatus:    strp("to_pay"),
	}

	raw, err := MarshalPayload(payload)
	require.NoError(t, err)

	decoded, err := UnmarshalPayload(raw)
	require.NoError(t, err)

	got, ok := decoded.(*PaymentFields)
	require.True(t, ok, "expected *PaymentFields, got %T", decoded)
	require.Equal(t, "contract-1", *got.ContractID)
	require.Equal(t, "foundation", *got.StageName)
	require.True(t, got.CalculatedAmount.Equal(decimal.RequireFromString("1250.50")))
	require.True(t, got.FinalAmount.Equal(decimal.RequireFromString("1300")))
	require.Nil(t, got.Reassigned)
	require.Nil(t, got.CardID)
}

func TestPayloadCodec_SparsePatchOmitsNilFields(t *testing.T) {
	raw, err := MarshalPayload(&PaymentFields{PaymentStatus: strp("paid")})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "contract_id")
	require.NotContains(t, string(raw), "calculated_amount")
	require.Contains(t, string(raw), "payment_status")
}

func TestPayloadCodec_NilPayload(t *testing.T) {
	raw, err := MarshalPayload(nil)
	require.NoError(t, err)
	require.Nil(t, raw)

	decoded, err := UnmarshalPayload(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)
}

func TestPayloadCodec_UnknownEntityFails(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"entity":"invoice","fields":{}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invoice")
}

func TestRewriteReference_Payment(t *testing.T) {
	f := &PaymentFields{
		ContractID: strp("prov-contract"),
		CardID:     strp("prov-card"),
	}

	require.True(t, f.RewriteReference(EntityContract, "prov-contract", "canon-contract"))
	require.Equal(t, "canon-contract", *f.ContractID)

	require.True(t, f.RewriteReference(EntitySupervisionCard, "prov-card", "canon-card"))
	require.Equal(t, "canon-card", *f.CardID)

	// Unrelated ids and entity types leave the payload alone.
	require.False(t, f.RewriteReference(EntityContract, "other", "whatever"))
	require.False(t, f.RewriteReference(EntityClient, "canon-contract", "x"))
	require.Equal(t, "canon-contract", *f.ContractID)
}

func TestRewriteReference_ContractAndCard(t *testing.T) {
	c := &ContractFields{ClientID: strp("prov-client")}
	require.True(t, c.RewriteReference(EntityClient, "prov-client", "canon-client"))
	require.Equal(t, "canon-client", *c.ClientID)

	card := &SupervisionCardFields{ContractID: strp("prov-contract")}
	require.True(t, card.RewriteReference(EntityContract, "prov-contract", "canon-contract"))
	require.Equal(t, "canon-contract", *card.ContractID)

	se := &StageExecutorFields{ContractID: strp("prov-contract")}
	require.True(t, se.RewriteReference(EntityContract, "prov-contract", "canon-contract"))
	require.False(t, se.RewriteReference(EntityContract, "prov-contract", "canon-contract"))
}

func TestPayloadReferences(t *testing.T) {
	p := &PaymentFields{ContractID: strp("c1"), CardID: strp("card-1")}
	require.Equal(t, []EntityRef{
		{Entity: EntityContract, ID: "c1"},
		{Entity: EntitySupervisionCard, ID: "card-1"},
	}, p.References())

	// Sparse patches only reference what they carry.
	require.Empty(t, (&PaymentFields{PaymentStatus: strp("paid")}).References())
	require.Empty(t, (&ClientFields{Name: strp("Acme")}).References())

	c := &ContractFields{ClientID: strp("cl-1")}
	require.Equal(t, []EntityRef{{Entity: EntityClient, ID: "cl-1"}}, c.References())

	se := &StageExecutorFields{ContractID: strp("c1"), EmployeeID: strp("emp-1")}
	require.Equal(t, []EntityRef{{Entity: EntityContract, ID: "c1"}}, se.References())
}
