// Package ledger binds the registration and prescription contracts. It keeps no
// state of its own: every method is one eth_call or one signed transaction,
// with revert reasons translated into typed errors.
package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/observability/metrics"
)

var (
	//go:embed abi/registration.json
	registrationABI string
	//go:embed abi/prescription.json
	prescriptionABI string
)

// Backend is what the gateway needs from an Ethereum client. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Prescription is the ledger's record as returned by accessPrescription
type Prescription struct {
	ID         string
	Patient    common.Address
	ContentRef string
	Status     uint8
}

// Config holds contract addresses
type Config struct {
	Registration common.Address
	Prescription common.Address
	// MineTimeout bounds the wait for a submitted transaction's receipt
	MineTimeout time.Duration
}

// Gateway is the ledger client
type Gateway struct {
	backend      Backend
	registration *bind.BoundContract
	prescription *bind.BoundContract
	keys         *KeyRing
	cfg          Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
}

// NewGateway creates a new gateway
func NewGateway(backend Backend, keys *KeyRing, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keys == nil {
		return nil, fmt.Errorf("key ring is required")
	}
	if cfg.MineTimeout <= 0 {
		cfg.MineTimeout = 2 * time.Minute
	}
	regABI, err := abi.JSON(strings.NewReader(registrationABI))
	if err != nil {
		return nil, fmt.Errorf("parse registration abi: %w", err)
	}
	rxABI, err := abi.JSON(strings.NewReader(prescriptionABI))
	if err != nil {
		return nil, fmt.Errorf("parse prescription abi: %w", err)
	}
	return &Gateway{
		backend:      backend,
		registration: bind.NewBoundContract(cfg.Registration, regABI, backend, backend, backend),
		prescription: bind.NewBoundContract(cfg.Prescription, rxABI, backend, backend, backend),
		keys:         keys,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		tracer:       otel.Tracer("ledger-gateway"),
	}, nil
}

func (g *Gateway) call(ctx context.Context, c *bind.BoundContract, from common.Address, method string, args ...interface{}) (out []interface{}, err error) {
	ctx, span := g.tracer.Start(ctx, "ledger."+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("ledger.from", from.Hex())))
	defer span.End()
	start := time.Now()
	defer func() {
		g.metrics.ObserveLedger(method, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	opts := &bind.CallOpts{Context: ctx, From: from}
	if err = c.Call(opts, &out, method, args...); err != nil {
		return nil, translate(method, err)
	}
	return out, nil
}

func (g *Gateway) transact(ctx context.Context, c *bind.BoundContract, from common.Address, method string, args ...interface{}) (err error) {
	ctx, span := g.tracer.Start(ctx, "ledger."+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("ledger.from", from.Hex())))
	defer span.End()
	start := time.Now()
	defer func() {
		g.metrics.ObserveLedger(method, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	opts, ok, err := g.keys.Transactor(ctx, from)
	if err != nil {
		return &Error{Method: method, Kind: ErrNoSigner, Err: err}
	}
	if !ok {
		return noSigner(method, from)
	}

	tx, err := c.Transact(opts, method, args...)
	if err != nil {
		return translate(method, err)
	}
	span.SetAttributes(attribute.String("ledger.tx", tx.Hash().Hex()))

	mineCtx, cancel := context.WithTimeout(ctx, g.cfg.MineTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(mineCtx, g.backend, tx)
	if err != nil {
		return translate(method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		g.logger.Warn("transaction reverted",
			zap.String("method", method),
			zap.String("tx", tx.Hash().Hex()),
			zap.String("from", from.Hex()),
		)
		return &Error{Method: method, Kind: ErrReverted, Reason: "status 0 receipt"}
	}

	g.logger.Debug("transaction mined",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return nil
}

// Administrator returns the registry administrator
func (g *Gateway) Administrator(ctx context.Context) (common.Address, error) {
	out, err := g.call(ctx, g.registration, common.Address{}, "administrator")
	if err != nil {
		return common.Address{}, err
	}
	return unpackAddress("administrator", out)
}

// HasRole asks the registry whether account holds r. Administrator is checked
// against administrator().
func (g *Gateway) HasRole(ctx context.Context, r role.Role, account common.Address) (bool, error) {
	if r == role.Administrator {
		admin, err := g.Administrator(ctx)
		if err != nil {
			return false, err
		}
		return admin == account, nil
	}
	method, err := roleQueryMethod(r)
	if err != nil {
		return false, err
	}
	out, err := g.call(ctx, g.registration, account, method, account)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%s: unexpected result arity %d", method, len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return ok, nil
}

// RoleOf resolves the single role an account holds, or role.None
func (g *Gateway) RoleOf(ctx context.Context, account common.Address) (role.Role, error) {
	candidates := []role.Role{role.Administrator, role.RegulatoryAuthority, role.Physician, role.Patient, role.Pharmacy}
	held := make([]bool, len(candidates))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, r := range candidates {
		i, r := i, r
		eg.Go(func() error {
			ok, err := g.HasRole(egCtx, r, account)
			held[i] = ok
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return role.None, err
	}
	for i, ok := range held {
		if ok {
			return candidates[i], nil
		}
	}
	return role.None, nil
}

// ProfileRef returns the content reference of account's profile, read as from
func (g *Gateway) ProfileRef(ctx context.Context, from common.Address, r role.Role, account common.Address) (string, error) {
	method, err := profileMethod(r)
	if err != nil {
		return "", err
	}
	out, err := g.call(ctx, g.registration, from, method, account)
	if err != nil {
		return "", err
	}
	return unpackString(method, out)
}

// Register records account under r with its profile reference, signed by registrar
func (g *Gateway) Register(ctx context.Context, registrar common.Address, r role.Role, account common.Address, contentRef string) error {
	method, err := registerMethod(r)
	if err != nil {
		return err
	}
	return g.transact(ctx, g.registration, registrar, method, account, contentRef)
}

// CreatePrescription submits prescriptionCreation signed by physician
func (g *Gateway) CreatePrescription(ctx context.Context, physician common.Address, id string, patient common.Address, contentRef string) error {
	return g.transact(ctx, g.prescription, physician, "prescriptionCreation", id, patient, contentRef)
}

// AccessPrescription reads a prescription as from. The contract reverts when
// from may not see it.
func (g *Gateway) AccessPrescription(ctx context.Context, from common.Address, id string) (Prescription, error) {
	out, err := g.call(ctx, g.prescription, from, "accessPrescription", id)
	if err != nil {
		return Prescription{}, err
	}
	if len(out) != 3 {
		return Prescription{}, fmt.Errorf("accessPrescription: unexpected result arity %d", len(out))
	}
	patient, ok1 := out[0].(common.Address)
	ref, ok2 := out[1].(string)
	status, ok3 := out[2].(uint8)
	if !ok1 || !ok2 || !ok3 {
		return Prescription{}, fmt.Errorf("accessPrescription: unexpected result types %T, %T, %T", out[0], out[1], out[2])
	}
	return Prescription{ID: id, Patient: patient, ContentRef: ref, Status: status}, nil
}

// AssignedPharmacy returns the pharmacy currently assigned to id
func (g *Gateway) AssignedPharmacy(ctx context.Context, from common.Address, id string) (common.Address, error) {
	out, err := g.call(ctx, g.prescription, from, "getAssignedPharmacy", id)
	if err != nil {
		return common.Address{}, err
	}
	return unpackAddress("getAssignedPharmacy", out)
}

// SelectPharmacy assigns pharmacy, signed by physician
func (g *Gateway) SelectPharmacy(ctx context.Context, physician common.Address, id string, pharmacy common.Address) error {
	return g.transact(ctx, g.prescription, physician, "selectPharmacy", id, pharmacy)
}

func (g *Gateway) AcceptPrescription(ctx context.Context, pharmacy common.Address, id string) error {
	return g.transact(ctx, g.prescription, pharmacy, "acceptPrescription", id)
}

func (g *Gateway) RejectPrescription(ctx context.Context, pharmacy common.Address, id string) error {
	return g.transact(ctx, g.prescription, pharmacy, "rejectPrescription", id)
}

func (g *Gateway) PrepareMedication(ctx context.Context, pharmacy common.Address, id string) error {
	return g.transact(ctx, g.prescription, pharmacy, "medicationPreparation", id)
}

func (g *Gateway) CollectMedication(ctx context.Context, pharmacy common.Address, id string) error {
	return g.transact(ctx, g.prescription, pharmacy, "medicationCollection", id)
}

func (g *Gateway) CancelPrescription(ctx context.Context, physician common.Address, id string) error {
	return g.transact(ctx, g.prescription, physician, "cancelPrescription", id)
}

func roleQueryMethod(r role.Role) (string, error) {
	switch r {
	case role.Physician:
		return "Physician", nil
	case role.Patient:
		return "Patient", nil
	case role.Pharmacy:
		return "Pharmacy", nil
	case role.RegulatoryAuthority:
		return "regulatoryAuthority", nil
	}
	return "", fmt.Errorf("no registry query for role %s", r)
}

func registerMethod(r role.Role) (string, error) {
	switch r {
	case role.Physician:
		return "registerPhysician", nil
	case role.Patient:
		return "registerPatient", nil
	case role.Pharmacy:
		return "registerPharmacy", nil
	case role.RegulatoryAuthority:
		return "registerRegulatoryAuthority", nil
	}
	return "", fmt.Errorf("role %s cannot be registered", r)
}

func profileMethod(r role.Role) (string, error) {
	switch r {
	case role.Physician:
		return "getPhysicianIPFSHash", nil
	case role.Patient:
		return "getPatientIPFSHash", nil
	case role.Pharmacy:
		return "getPharmacyIPFSHash", nil
	case role.RegulatoryAuthority:
		return "getRegulatoryAuthorityIPFSHash", nil
	}
	return "", fmt.Errorf("role %s has no profile", r)
}

func unpackAddress(method string, out []interface{}) (common.Address, error) {
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s: unexpected result arity %d", method, len(out))
	}
	a, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return a, nil
}

func unpackString(method string, out []interface{}) (string, error) {
	if len(out) != 1 {
		return "", fmt.Errorf("%s: unexpected result arity %d", method, len(out))
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return s, nil
}
