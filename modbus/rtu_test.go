package modbus

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// fakeSlave answers RTU requests from a register map. Responses are handed out in small chunks to
// exercise partial reads.
type fakeSlave struct {
	id        byte
	regs      map[uint16]uint16
	pending   []byte
	chunk     int
	exception byte
	silent    bool
	corrupt   bool
	closed    int
	requests  [][]byte
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{id: 1, regs: map[uint16]uint16{}, chunk: 2}
}

func (f *fakeSlave) Write(p []byte) (int, error) {
	req := append([]byte(nil), p...)
	f.requests = append(f.requests, req)

	if f.silent || !checkCRC(req) || req[0] != f.id {
		return len(p), nil
	}

	function := req[1]
	if f.exception != 0 {
		f.pending = appendCRC([]byte{f.id, function | exceptionFlag, f.exception})
		return len(p), nil
	}

	addr := binary.BigEndian.Uint16(req[2:])
	var resp []byte
	switch function {
	case funcReadHolding:
		qty := binary.BigEndian.Uint16(req[4:])
		resp = []byte{f.id, function, byte(2 * qty)}
		for i := range qty {
			resp = binary.BigEndian.AppendUint16(resp, f.regs[addr+i])
		}
	case funcWriteSingle:
		f.regs[addr] = binary.BigEndian.Uint16(req[4:])
		resp = append([]byte(nil), req[:6]...)
	case funcWriteMultiple:
		qty := binary.BigEndian.Uint16(req[4:])
		for i := range qty {
			f.regs[addr+i] = binary.BigEndian.Uint16(req[7+2*i:])
		}
		resp = append([]byte(nil), req[:6]...)
	}

	resp = appendCRC(resp)
	if f.corrupt {
		resp[len(resp)-1] ^= 0xFF
	}
	f.pending = resp
	return len(p), nil
}

func (f *fakeSlave) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := min(len(p), f.chunk, len(f.pending))
	copy(p, f.pending[:n])
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeSlave) Close() error {
	f.closed++
	return nil
}

func (f *fakeSlave) ResetInputBuffer() error {
	return nil
}

func (f *fakeSlave) SetReadTimeout(time.Duration) error {
	return nil
}

func newTestClient(t *testing.T, slave *fakeSlave, order WordOrder) *RTUClient {
	t.Helper()
	cfg := DefaultConfig("fake")
	cfg.BaudRate = 115200
	cfg.Timeout = 30 * time.Millisecond
	cfg.WordOrder = order

	c, err := NewRTUClient(slave, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return c
}

func TestCRC16(t *testing.T) {
	// reference frame: read 10 holding registers from slave 1
	frame := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}, frame)
	assert.True(t, checkCRC(frame))

	frame[2] = 0x01
	assert.False(t, checkCRC(frame))
	assert.False(t, checkCRC([]byte{0x01}))
}

func TestWriteRead16(t *testing.T) {
	slave := newFakeSlave()
	c := newTestClient(t, slave, LowWordFirst)

	require.NoError(t, c.WriteRegister(400, 21, flowcal.Width16))
	assert.Equal(t, uint16(21), slave.regs[400])

	require.NoError(t, c.WriteRegister(720, -1, flowcal.Width16))
	assert.Equal(t, uint16(0xFFFF), slave.regs[720])

	signed, err := c.ReadRegister(720, 1, true)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), signed)

	unsigned, err := c.ReadRegister(720, 1, false)
	require.NoError(t, err)
	assert.Equal(t, int32(65535), unsigned)
}

func TestWriteRead32(t *testing.T) {
	tests := []struct {
		name  string
		order WordOrder
		lo    uint16
		hi    uint16
	}{
		{"LowWordFirst", LowWordFirst, 0, 1},
		{"HighWordFirst", HighWordFirst, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := newFakeSlave()
			c := newTestClient(t, slave, tt.order)

			require.NoError(t, c.WriteRegister(450, -1280, flowcal.Width32))
			v := uint32(0xFFFFFB00)
			assert.Equal(t, uint16(v), slave.regs[450+tt.lo])
			assert.Equal(t, uint16(v>>16), slave.regs[450+tt.hi])

			got, err := c.ReadRegister(450, 2, true)
			require.NoError(t, err)
			assert.Equal(t, int32(-1280), got)
		})
	}
}

func TestValueRange(t *testing.T) {
	c := newTestClient(t, newFakeSlave(), LowWordFirst)

	err := c.WriteRegister(400, 70000, flowcal.Width16)
	require.ErrorIs(t, err, ErrValueRange)

	err = c.WriteRegister(400, -40000, flowcal.Width16)
	require.ErrorIs(t, err, ErrValueRange)

	_, err = c.ReadRegister(400, 3, false)
	require.Error(t, err)
}

func TestErrors(t *testing.T) {
	t.Run("Exception", func(t *testing.T) {
		slave := newFakeSlave()
		slave.exception = 2
		c := newTestClient(t, slave, LowWordFirst)

		_, err := c.ReadRegister(9999, 1, false)
		var exc *ExceptionError
		require.ErrorAs(t, err, &exc)
		assert.Equal(t, byte(2), exc.Code)
		assert.Contains(t, err.Error(), "illegal data address")
	})

	t.Run("Timeout", func(t *testing.T) {
		slave := newFakeSlave()
		slave.silent = true
		c := newTestClient(t, slave, LowWordFirst)

		err := c.WriteRegister(400, 0, flowcal.Width16)
		require.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("CRC", func(t *testing.T) {
		slave := newFakeSlave()
		slave.corrupt = true
		c := newTestClient(t, slave, LowWordFirst)

		_, err := c.ReadRegister(400, 1, false)
		require.ErrorIs(t, err, ErrCRC)
	})

	t.Run("WrongSlave", func(t *testing.T) {
		slave := newFakeSlave()
		c := newTestClient(t, slave, LowWordFirst)
		slave.silent = true
		slave.pending = appendCRC([]byte{7, funcReadHolding, 2, 0, 1})

		_, err := c.ReadRegister(400, 1, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected slave")
	})
}

func TestClose(t *testing.T) {
	slave := newFakeSlave()
	c := newTestClient(t, slave, LowWordFirst)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, slave.closed)

	err := c.WriteRegister(400, 0, flowcal.Width16)
	require.ErrorIs(t, err, ErrClosed)
}

func TestParseWordOrder(t *testing.T) {
	order, err := ParseWordOrder("high_first")
	require.NoError(t, err)
	assert.Equal(t, HighWordFirst, order)
	assert.Equal(t, "high_first", order.String())

	order, err = ParseWordOrder("")
	require.NoError(t, err)
	assert.Equal(t, LowWordFirst, order)

	_, err = ParseWordOrder("middle")
	require.Error(t, err)
}

func TestFrameDelay(t *testing.T) {
	assert.Equal(t, 1750*time.Microsecond, frameDelay(115200))
	assert.InDelta(t, float64(2005*time.Microsecond), float64(frameDelay(19200)), float64(10*time.Microsecond))
}
