package browser

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/pollwatch/poller"
)

// bindingName is the page-global function the bridge script calls.
const bindingName = "__pollwatch_signal"

//go:embed bridge.js
var bridgeJS string

// installBridge exposes the binding and registers the bridge script for
// every document the tab loads.
func (t *Tab) installBridge() error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(t.page); err != nil {
		return fmt.Errorf("add binding: %w", err)
	}
	if _, err := t.page.EvalOnNewDocument(bridgeJS); err != nil {
		return fmt.Errorf("register bridge script: %w", err)
	}
	go t.listenBridge()
	return nil
}

func (t *Tab) listenBridge() {
	t.page.Context(t.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		sig, err := parseSignal(e.Payload)
		if err != nil {
			t.logger.Debug("browser: bad bridge payload", "error", err)
			return
		}
		select {
		case t.signals <- sig:
		default:
			t.logger.Debug("browser: signal dropped, channel full", "kind", sig.Kind)
		}
	})()
}

func parseSignal(payload string) (poller.Signal, error) {
	var sig poller.Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return sig, err
	}
	switch sig.Kind {
	case poller.SignalMutation, poller.SignalVisible, poller.SignalNavigated:
		return sig, nil
	}
	return sig, fmt.Errorf("unknown signal kind %q", sig.Kind)
}
