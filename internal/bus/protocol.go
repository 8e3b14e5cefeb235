// Package bus 定义两腿之间的消息协议（频道名、负载格式、仓位哈希布局）以及总线实现。
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/betbot/hedgebot/internal/domain"
)

const (
	// OutcomeChannel 对冲结果频道
	OutcomeChannel = "hedge:account_b_filled"

	actionCloseAll = "close_all"
)

var (
	ErrEmptyPayload  = errors.New("bus: empty payload")
	ErrUnknownAction = errors.New("bus: unknown action")
)

// Protocol 由两腿账户名确定的频道与键名
type Protocol struct {
	LegA string
	LegB string
}

func NewProtocol(legA, legB string) Protocol {
	return Protocol{LegA: strings.TrimSpace(legA), LegB: strings.TrimSpace(legB)}
}

// FillChannel hedge:<a>_to_<b>
func (p Protocol) FillChannel() string {
	return fmt.Sprintf("hedge:%s_to_%s", p.LegA, p.LegB)
}

// OutcomeChannel 对冲结果频道
func (p Protocol) OutcomeChannel() string {
	return OutcomeChannel
}

// PositionsKey hedge:positions:<a>_<b>:<MARKET>
func (p Protocol) PositionsKey(market string) string {
	return fmt.Sprintf("hedge:positions:%s_%s:%s", p.LegA, p.LegB, strings.ToUpper(market))
}

// LegMessage FillChannel 上的一条消息：成交事件或清仓信号，二选一
type LegMessage struct {
	Fill     *domain.FillEvent
	CloseAll *domain.CloseAllSignal
}

func EncodeFill(ev domain.FillEvent) ([]byte, error) {
	return json.Marshal(toFillWire(ev))
}

func EncodeCloseAll(sig domain.CloseAllSignal) ([]byte, error) {
	return json.Marshal(closeAllWire{
		Action:      actionCloseAll,
		Market:      sig.Market,
		MarketIndex: sig.MarketIndex,
		Reason:      sig.Reason,
		Timestamp:   epochTime(sig.Timestamp),
	})
}

// DecodeLegMessage 按 action 字段区分成交事件与清仓信号
func DecodeLegMessage(payload []byte) (LegMessage, error) {
	if len(payload) == 0 {
		return LegMessage{}, ErrEmptyPayload
	}
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return LegMessage{}, fmt.Errorf("解析消息失败: %w", err)
	}
	switch head.Action {
	case "":
		var w fillWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return LegMessage{}, fmt.Errorf("解析成交事件失败: %w", err)
		}
		ev := w.event()
		if ev.VenueOrderID == "" {
			return LegMessage{}, fmt.Errorf("成交事件缺少 order_index")
		}
		if !ev.Side.Valid() {
			return LegMessage{}, fmt.Errorf("成交事件方向非法: %q", ev.Side)
		}
		return LegMessage{Fill: &ev}, nil
	case actionCloseAll:
		var w closeAllWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return LegMessage{}, fmt.Errorf("解析清仓信号失败: %w", err)
		}
		return LegMessage{CloseAll: &domain.CloseAllSignal{
			Market:      w.Market,
			MarketIndex: w.MarketIndex,
			Reason:      w.Reason,
			Timestamp:   w.Timestamp.Time(),
		}}, nil
	default:
		return LegMessage{}, fmt.Errorf("%w: %s", ErrUnknownAction, head.Action)
	}
}

func EncodeOutcome(o domain.HedgeOutcome) ([]byte, error) {
	return json.Marshal(outcomeWire{
		Status:     o.Status,
		Leg:        o.Leg,
		Market:     o.Market,
		OrderIndex: orderID(o.VenueOrderID),
		Reason:     o.Reason,
		Timestamp:  epochTime(o.Timestamp),
	})
}

func DecodeOutcome(payload []byte) (domain.HedgeOutcome, error) {
	if len(payload) == 0 {
		return domain.HedgeOutcome{}, ErrEmptyPayload
	}
	var w outcomeWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.HedgeOutcome{}, fmt.Errorf("解析对冲结果失败: %w", err)
	}
	o := domain.HedgeOutcome{
		Status:       w.Status,
		Leg:          w.Leg,
		Market:       w.Market,
		VenueOrderID: string(w.OrderIndex),
		Reason:       w.Reason,
		Timestamp:    w.Timestamp.Time(),
	}
	if o.Status != domain.HedgeSuccess && o.Status != domain.HedgeFailed {
		return domain.HedgeOutcome{}, fmt.Errorf("对冲结果状态非法: %q", o.Status)
	}
	return o, nil
}
