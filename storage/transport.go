package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/natsclient"
)

// NATSDeviceTransport delivers command payloads to equipment controllers
// over NATS request-reply. Controllers subscribe to
// device.command.<equipmentID> and reply to confirm receipt.
type NATSDeviceTransport struct {
	client  *natsclient.Client
	timeout time.Duration
}

// NewNATSDeviceTransport creates a device transport over the given client.
func NewNATSDeviceTransport(client *natsclient.Client, timeout time.Duration) *NATSDeviceTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSDeviceTransport{client: client, timeout: timeout}
}

// SendCommand implements DeviceTransport
func (t *NATSDeviceTransport) SendCommand(ctx context.Context, equipmentID string, payload []byte) error {
	subject := fmt.Sprintf("device.command.%s", equipmentID)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if _, err := t.client.Request(ctx, subject, payload); err != nil {
		return errors.WrapTransient(err, "NATSDeviceTransport", "SendCommand", subject)
	}
	return nil
}

// ScriptedTransport is a DeviceTransport for tests: each Send consumes the
// next scripted result (nil = transport ack). When the script is exhausted
// sends succeed.
type ScriptedTransport struct {
	mu     sync.Mutex
	script []error
	calls  []ScriptedCall
}

// ScriptedCall records one SendCommand invocation.
type ScriptedCall struct {
	EquipmentID string
	Payload     []byte
}

// NewScriptedTransport creates a transport that fails/succeeds per script.
func NewScriptedTransport(script ...error) *ScriptedTransport {
	return &ScriptedTransport{script: script}
}

// SendCommand implements DeviceTransport
func (t *ScriptedTransport) SendCommand(_ context.Context, equipmentID string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, ScriptedCall{EquipmentID: equipmentID, Payload: payload})
	if len(t.script) == 0 {
		return nil
	}
	err := t.script[0]
	t.script = t.script[1:]
	return err
}

// Calls returns a copy of recorded calls.
func (t *ScriptedTransport) Calls() []ScriptedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ScriptedCall, len(t.calls))
	copy(out, t.calls)
	return out
}
