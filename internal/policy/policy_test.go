package policy_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/policy"
	"github.com/snehjoshi/xcmq/internal/types"
)

var (
	deposit = codec.NewMessage(
		codec.Instruction{Op: codec.OpReserveAssetDeposited, Operand: []byte("dot")},
		codec.Instruction{Op: codec.OpDepositAsset, Operand: []byte("bob")},
	)
	plain = codec.NewMessage(codec.Instruction{Op: codec.OpClearOrigin})
)

func TestDecide_DepositDeferredBySentAtPlusDelay(t *testing.T) {
	p := policy.New()
	got := p.Decide(2000, 1, 3, deposit, nil)
	assert.Equal(t, policy.DeferUntil(6), got)
}

func TestDecide_PlainMessageExecutes(t *testing.T) {
	p := policy.New()
	assert.Equal(t, policy.Execute, p.Decide(2000, 1, 1, plain, nil))
}

func TestDecide_OverrideAppliesToEverything(t *testing.T) {
	p := policy.New()
	d := uint32(10)
	assert.Equal(t, policy.DeferUntil(17), p.Decide(2000, 1, 7, plain, &d))
	assert.Equal(t, policy.DeferUntil(17), p.Decide(2000, 1, 7, deposit, &d))

	zero := uint32(0)
	assert.Equal(t, policy.DeferUntil(7), p.Decide(2000, 1, 7, plain, &zero))
}

func TestDecide_Saturates(t *testing.T) {
	p := policy.New(policy.WithDelay(10))
	got := p.Decide(2000, math.MaxUint32-2, 1, deposit, nil)
	assert.Equal(t, types.BlockNumber(math.MaxUint32), got.Until)
}

func TestDecide_InjectedClassifier(t *testing.T) {
	onlyTransact := policy.NewInstructionClassifier(codec.OpTransact)
	p := policy.New(policy.WithClassifier(onlyTransact), policy.WithDelay(2))

	transact := codec.NewMessage(codec.Instruction{Op: codec.OpTransact, Operand: []byte("call")})
	assert.Equal(t, policy.DeferUntil(12), p.Decide(2000, 10, 10, transact, nil))
	assert.Equal(t, policy.Execute, p.Decide(2000, 10, 10, deposit, nil))
	assert.Equal(t, []codec.Opcode{codec.OpTransact}, onlyTransact.Ops())

	byOrigin := policy.ClassifierFunc(func(o types.OriginID, _ *codec.Message) bool { return o == 3000 })
	p = policy.New(policy.WithClassifier(byOrigin))
	assert.True(t, p.Decide(3000, 1, 1, plain, nil).Defer)
	assert.False(t, p.Decide(3001, 1, 1, plain, nil).Defer)

	assert.False(t, policy.New(policy.WithClassifier(policy.Never)).Decide(1, 1, 1, deposit, nil).Defer)
}

func TestSystemOrigins(t *testing.T) {
	bypass := policy.SystemOrigins(policy.DefaultSystemOriginBound)
	assert.True(t, bypass(1999))
	assert.False(t, bypass(2000))
	assert.False(t, policy.NoBypass(1))
}
