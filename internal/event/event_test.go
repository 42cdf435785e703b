package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMakeIDDeterministic(t *testing.T) {
	args := map[string]interface{}{"slot": 2, "denom": 5}

	id1 := MakeID("coin_inserted", args)
	id2 := MakeID("coin_inserted", map[string]interface{}{"denom": 5, "slot": 2})

	assert.Equal(t, id1, id2, "参数顺序不应影响ID")
	assert.Len(t, id1, 16)
}

func TestMakeIDExcludesTimestamp(t *testing.T) {
	args := map[string]interface{}{"slot": 1}

	e1 := New("slot_plugged", args, SourceSensor)
	time.Sleep(2 * time.Millisecond)
	e2 := New("slot_plugged", args, SourceSensor)

	assert.Equal(t, e1.ID, e2.ID, "时间戳不参与ID计算")
	assert.NotEqual(t, e1.Timestamp, e2.Timestamp)
}

func TestMakeIDDistinguishesNameAndArgs(t *testing.T) {
	args := map[string]interface{}{"slot": 1}

	assert.NotEqual(t, MakeID("slot_plugged", args), MakeID("slot_unplugged", args))
	assert.NotEqual(t,
		MakeID("slot_plugged", map[string]interface{}{"slot": 1}),
		MakeID("slot_plugged", map[string]interface{}{"slot": 2}))
}

func TestMakeIDNilArgsEqualsEmpty(t *testing.T) {
	assert.Equal(t, MakeID("status", nil), MakeID("status", map[string]interface{}{}))
}

func TestNewNormalizesNilArgs(t *testing.T) {
	e := New("status", nil, SourceSystem)

	assert.NotNil(t, e.Args)
	assert.Equal(t, SourceSystem, e.Source)
}

func TestArgGetters(t *testing.T) {
	e := New("coin_inserted", map[string]interface{}{
		"denom": 5,
		"amps":  1.25,
		"uid":   "user-001",
		"raw":   float64(512),
	}, SourceSerial)

	assert.Equal(t, 5, e.Int("denom", 0))
	assert.Equal(t, 512, e.Int("raw", 0))
	assert.Equal(t, 1.25, e.Float("amps", 0))
	assert.Equal(t, 5.0, e.Float("denom", 0))
	assert.Equal(t, "user-001", e.String("uid", ""))

	assert.Equal(t, 7, e.Int("missing", 7))
	assert.Equal(t, "x", e.String("denom", "x"))
}

func TestIntReadsUnsignedArg(t *testing.T) {
	// 监听器给投币事件打的序号是uint64
	e := New("coin_inserted", map[string]interface{}{
		"denom": 5,
		"seq":   uint64(3),
	}, SourceSerial)

	assert.Equal(t, 3, e.Int("seq", 0))
}
