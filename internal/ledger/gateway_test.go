package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/rxledger/internal/domain/role"
)

var (
	admin     = common.HexToAddress("0xa000000000000000000000000000000000000001")
	doctor    = common.HexToAddress("0xd000000000000000000000000000000000000001")
	patientP1 = common.HexToAddress("0xb000000000000000000000000000000000000001")
)

// fakeBackend answers eth_call by decoding the selector against both ABIs.
// Only the read path is implemented; the embedded interfaces are nil.
type fakeBackend struct {
	bind.ContractBackend
	bind.DeployBackend
	abis    []abi.ABI
	respond func(method string, from common.Address, args []interface{}) ([]interface{}, error)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	reg, err := abi.JSON(strings.NewReader(registrationABI))
	require.NoError(t, err)
	rx, err := abi.JSON(strings.NewReader(prescriptionABI))
	require.NoError(t, err)
	return &fakeBackend{abis: []abi.ABI{reg, rx}}
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for _, a := range f.abis {
		m, err := a.MethodById(call.Data[:4])
		if err != nil {
			continue
		}
		args, err := m.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		vals, err := f.respond(m.Name, call.From, args)
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(vals...)
	}
	return nil, fmt.Errorf("unknown selector %x", call.Data[:4])
}

func newTestGateway(t *testing.T, b *fakeBackend) *Gateway {
	t.Helper()
	keys, err := NewKeyRing(big.NewInt(1337), nil)
	require.NoError(t, err)
	g, err := NewGateway(b, keys, Config{
		Registration: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Prescription: common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}, nil, nil)
	require.NoError(t, err)
	return g
}

func TestGatewayRoleOf(t *testing.T) {
	b := newFakeBackend(t)
	b.respond = func(method string, _ common.Address, args []interface{}) ([]interface{}, error) {
		switch method {
		case "administrator":
			return []interface{}{admin}, nil
		case "Physician":
			return []interface{}{args[0].(common.Address) == doctor}, nil
		case "Patient":
			return []interface{}{args[0].(common.Address) == patientP1}, nil
		default:
			return []interface{}{false}, nil
		}
	}
	g := newTestGateway(t, b)
	ctx := context.Background()

	r, err := g.RoleOf(ctx, doctor)
	require.NoError(t, err)
	assert.Equal(t, role.Physician, r)

	r, err = g.RoleOf(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, role.Administrator, r)

	r, err = g.RoleOf(ctx, common.HexToAddress("0x99"))
	require.NoError(t, err)
	assert.Equal(t, role.None, r)
}

func TestGatewayAccessPrescription(t *testing.T) {
	b := newFakeBackend(t)
	b.respond = func(method string, from common.Address, args []interface{}) ([]interface{}, error) {
		require.Equal(t, "accessPrescription", method)
		if from != doctor {
			return nil, errors.New("execution reverted: Not authorized to view prescription")
		}
		return []interface{}{patientP1, "QmContent", uint8(2)}, nil
	}
	g := newTestGateway(t, b)

	p, err := g.AccessPrescription(context.Background(), doctor, "abc123")
	require.NoError(t, err)
	assert.Equal(t, Prescription{ID: "abc123", Patient: patientP1, ContentRef: "QmContent", Status: 2}, p)

	_, err = g.AccessPrescription(context.Background(), patientP1, "abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, "Not authorized to view prescription", ReasonOf(err))
}

func TestGatewayWriteWithoutSigner(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(t))
	err := g.AcceptPrescription(context.Background(), doctor, "abc123")
	assert.ErrorIs(t, err, ErrNoSigner)
	assert.NotErrorIs(t, err, ErrReverted)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"execution reverted: Prescription does not exist", ErrNotFound},
		{"execution reverted: Patient not registered", ErrNotRegistered},
		{"execution reverted: Account already registered", ErrAlreadyExists},
		{"execution reverted: Only the assigned pharmacy", ErrNotAuthorized},
		{"execution reverted: Invalid prescription status", ErrInvalidState},
		{"execution reverted", ErrReverted},
		{"dial tcp 127.0.0.1:8545: connection refused", ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := translate("m", errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	err := translate("m", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, translate("m", nil))
}

func TestKeyRing(t *testing.T) {
	// well-known development key
	const hexKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	kr, err := NewKeyRing(big.NewInt(31337), []string{hexKey, " "})
	require.NoError(t, err)

	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	assert.True(t, kr.Has(want))
	assert.Equal(t, []common.Address{want}, kr.Accounts())

	opts, ok, err := kr.Transactor(context.Background(), want)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, opts.From)

	_, ok, err = kr.Transactor(context.Background(), doctor)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewKeyRing(big.NewInt(1), []string{"zz"})
	assert.Error(t, err)
	_, err = NewKeyRing(nil, nil)
	assert.Error(t, err)
}

func TestMethodDispatch(t *testing.T) {
	for _, r := range []role.Role{role.Physician, role.Patient, role.Pharmacy, role.RegulatoryAuthority} {
		_, err := registerMethod(r)
		assert.NoError(t, err, r.String())
		_, err = profileMethod(r)
		assert.NoError(t, err, r.String())
		_, err = roleQueryMethod(r)
		assert.NoError(t, err, r.String())
	}
	_, err := registerMethod(role.Administrator)
	assert.Error(t, err)
}
