// Package modbus implements the Modbus Bus and Generic Device components
// (spec C2, C3): a per-serial-port connection with serialized
// request/response, and a register-map-driven device presenting
// readValue/writeValue/readAll/isRunning/supportsOnOff, including the
// bulk-read planner and the decode/scale/formula pipeline.
package modbus

import (
	"fmt"
	"sync"
	"time"

	goburrow "github.com/goburrow/modbus"

	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/obs/errs"
)

// Bus owns one serial port. Every method is serialized by a per-port lock,
// matching the original's single-lock-per-port discipline; only one
// device on a shared serial line holds it at a time.
type Bus interface {
	EnsureConnected() error
	ReadRegisters(kind config.RegisterKind, start, count int) ([]uint16, error)
	ReadBits(kind config.RegisterKind, start, count int) ([]bool, error)
	WriteRegister(addr int, val uint16) error
	WriteRegisters(addr int, vals []uint16) error
	WriteCoil(addr int, val bool) error
	Close() error
}

// SerialBus is a Bus backed by github.com/goburrow/modbus's RTU client.
type SerialBus struct {
	mu      sync.Mutex
	port    string
	baud    int
	slaveID byte
	timeout time.Duration

	handler *goburrow.RTUClientHandler
	client  goburrow.Client
}

// NewSerialBus builds a SerialBus for one (port, slaveId) pair. The
// underlying connection is opened lazily on the first EnsureConnected.
func NewSerialBus(port string, baud int, slaveID int, timeout time.Duration) *SerialBus {
	return &SerialBus{
		port:    port,
		baud:    baud,
		slaveID: byte(slaveID),
		timeout: timeout,
	}
}

// EnsureConnected opens the serial connection if it is not already open.
// Connection failure is propagated; the bus retries on the next call.
func (b *SerialBus) EnsureConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureConnectedLocked()
}

func (b *SerialBus) ensureConnectedLocked() error {
	if b.handler != nil {
		return nil
	}
	handler := goburrow.NewRTUClientHandler(b.port)
	handler.BaudRate = b.baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = b.slaveID
	handler.Timeout = b.timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connecting to %s: %w", b.port, errs.ErrTransientBus)
	}
	b.handler = handler
	b.client = goburrow.NewClient(handler)
	return nil
}

func (b *SerialBus) reconnectLocked() {
	if b.handler != nil {
		b.handler.Close()
	}
	b.handler = nil
	b.client = nil
}

// ReadRegisters reads count holding or input registers starting at start.
func (b *SerialBus) ReadRegisters(kind config.RegisterKind, start, count int) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	var raw []byte
	var err error
	switch kind {
	case config.KindInput:
		raw, err = b.client.ReadInputRegisters(uint16(start), uint16(count))
	default:
		raw, err = b.client.ReadHoldingRegisters(uint16(start), uint16(count))
	}
	if err != nil {
		b.reconnectLocked()
		return nil, fmt.Errorf("reading %d registers at %d: %w", count, start, errs.ErrTransientBus)
	}
	return bytesToWords(raw), nil
}

// ReadBits reads count coils or discrete inputs starting at start.
func (b *SerialBus) ReadBits(kind config.RegisterKind, start, count int) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	var raw []byte
	var err error
	switch kind {
	case config.KindDiscreteInput:
		raw, err = b.client.ReadDiscreteInputs(uint16(start), uint16(count))
	default:
		raw, err = b.client.ReadCoils(uint16(start), uint16(count))
	}
	if err != nil {
		b.reconnectLocked()
		return nil, fmt.Errorf("reading %d bits at %d: %w", count, start, errs.ErrTransientBus)
	}
	return bytesToBits(raw, count), nil
}

// WriteRegister writes a single holding register.
func (b *SerialBus) WriteRegister(addr int, val uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return err
	}
	if _, err := b.client.WriteSingleRegister(uint16(addr), val); err != nil {
		b.reconnectLocked()
		return fmt.Errorf("writing register %d: %w", addr, errs.ErrTransientBus)
	}
	return nil
}

// WriteRegisters writes a contiguous block of holding registers.
func (b *SerialBus) WriteRegisters(addr int, vals []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return err
	}
	if _, err := b.client.WriteMultipleRegisters(uint16(addr), uint16(len(vals)), wordsToBytes(vals)); err != nil {
		b.reconnectLocked()
		return fmt.Errorf("writing %d registers at %d: %w", len(vals), addr, errs.ErrTransientBus)
	}
	return nil
}

// WriteCoil writes a single coil.
func (b *SerialBus) WriteCoil(addr int, val bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return err
	}
	value := uint16(0x0000)
	if val {
		value = 0xFF00
	}
	if _, err := b.client.WriteSingleCoil(uint16(addr), value); err != nil {
		b.reconnectLocked()
		return fmt.Errorf("writing coil %d: %w", addr, errs.ErrTransientBus)
	}
	return nil
}

// Close releases the underlying serial connection.
func (b *SerialBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler == nil {
		return nil
	}
	err := b.handler.Close()
	b.handler = nil
	b.client = nil
	return err
}

func bytesToWords(raw []byte) []uint16 {
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return words
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		out[2*i] = byte(w >> 8)
		out[2*i+1] = byte(w & 0xFF)
	}
	return out
}

func bytesToBits(raw []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(raw) {
			break
		}
		bits[i] = raw[byteIdx]&(1<<bitIdx) != 0
	}
	return bits
}
