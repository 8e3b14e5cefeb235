package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hedgebot/internal/domain"
)

// 线上格式与对端进程保持一致：时间戳为整数秒，order_index 为数字，仓位数量为数字。
// 解码端放宽：时间戳也接受小数秒和 RFC3339 字符串，order_index 也接受字符串。

// epochTime 编码为 unix 秒
type epochTime time.Time

func (t epochTime) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("0"), nil
	}
	return strconv.AppendInt(nil, tt.Unix(), 10), nil
}

func (t *epochTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = epochTime{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = epochTime{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			*t = epochTime(parsed.UTC())
			return nil
		}
		b = []byte(s)
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("时间戳格式非法: %s", b)
	}
	if f <= 0 {
		*t = epochTime{}
		return nil
	}
	sec, frac := math.Modf(f)
	*t = epochTime(time.Unix(int64(sec), int64(frac*1e9)).UTC())
	return nil
}

func (t epochTime) Time() time.Time { return time.Time(t) }

// orderID 纯数字时编码为 JSON 数字，其余编码为字符串
type orderID string

func (id orderID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if s != "" && isDigits(s) {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func (id *orderID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = orderID(s)
		return nil
	}
	// 保留原始数字文本，避免大整数经 float64 丢精度
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("order_index 格式非法: %s", b)
	}
	*id = orderID(n.String())
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// numberDecimal 编码为不带引号的数字，解码两种都接受
type numberDecimal decimal.Decimal

func (d numberDecimal) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(d).String()), nil
}

func (d *numberDecimal) UnmarshalJSON(b []byte) error {
	var v decimal.Decimal
	if string(bytes.TrimSpace(b)) == "null" {
		*d = numberDecimal(decimal.Zero)
		return nil
	}
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	*d = numberDecimal(v)
	return nil
}

type fillWire struct {
	Leg            string          `json:"leg,omitempty"`
	Market         string          `json:"market,omitempty"`
	MarketIndex    int             `json:"market_index"`
	AccountIndex   int64           `json:"account_index"`
	OrderIndex     orderID         `json:"order_index"`
	FilledSize     decimal.Decimal `json:"filled_base_amount"`
	FilledNotional decimal.Decimal `json:"filled_quote_amount"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Side           domain.Side     `json:"side"`
	Timestamp      epochTime       `json:"timestamp"`
}

func toFillWire(ev domain.FillEvent) fillWire {
	return fillWire{
		Leg:            ev.Leg,
		Market:         ev.Market,
		MarketIndex:    ev.MarketIndex,
		AccountIndex:   ev.AccountIndex,
		OrderIndex:     orderID(ev.VenueOrderID),
		FilledSize:     ev.FilledSize,
		FilledNotional: ev.FilledNotional,
		AvgPrice:       ev.AvgPrice,
		Side:           ev.Side,
		Timestamp:      epochTime(ev.Timestamp),
	}
}

func (w fillWire) event() domain.FillEvent {
	return domain.FillEvent{
		Leg:            w.Leg,
		Market:         w.Market,
		MarketIndex:    w.MarketIndex,
		AccountIndex:   w.AccountIndex,
		VenueOrderID:   string(w.OrderIndex),
		FilledSize:     w.FilledSize,
		FilledNotional: w.FilledNotional,
		AvgPrice:       w.AvgPrice,
		Side:           w.Side,
		Timestamp:      w.Timestamp.Time(),
	}
}

type closeAllWire struct {
	Action      string    `json:"action"`
	Market      string    `json:"market"`
	MarketIndex int       `json:"market_index"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   epochTime `json:"timestamp"`
}

type outcomeWire struct {
	Status     domain.HedgeStatus `json:"status"`
	Leg        string             `json:"leg"`
	Market     string             `json:"market"`
	OrderIndex orderID            `json:"order_index,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  epochTime          `json:"timestamp"`
}

// snapshotWire 仓位哈希里每个账户字段的值
type snapshotWire struct {
	AccountName      string           `json:"account_name"`
	AccountIndex     int64            `json:"account_index"`
	Size             numberDecimal    `json:"size"`
	Sign             int              `json:"sign"`
	Direction        domain.Direction `json:"direction"`
	Timestamp        epochTime        `json:"timestamp"`
	Market           string           `json:"market"`
	AvailableBalance *decimal.Decimal `json:"available_balance,omitempty"`
}

func encodeSnapshot(s domain.PositionSnapshot) ([]byte, error) {
	w := snapshotWire{
		AccountName:  s.AccountName,
		AccountIndex: s.AccountIndex,
		Size:         numberDecimal(s.Size),
		Sign:         s.Sign,
		Direction:    s.Direction,
		Timestamp:    epochTime(s.Timestamp),
		Market:       s.Market,
	}
	if !s.AvailableBalance.IsZero() {
		bal := s.AvailableBalance
		w.AvailableBalance = &bal
	}
	return json.Marshal(w)
}

func decodeSnapshot(raw []byte) (domain.PositionSnapshot, error) {
	var w snapshotWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.PositionSnapshot{}, err
	}
	s := domain.PositionSnapshot{
		AccountName:  w.AccountName,
		AccountIndex: w.AccountIndex,
		Market:       w.Market,
		Size:         decimal.Decimal(w.Size),
		Sign:         w.Sign,
		Direction:    w.Direction,
		Timestamp:    w.Timestamp.Time(),
	}
	if w.AvailableBalance != nil {
		s.AvailableBalance = *w.AvailableBalance
	}
	if s.Direction == "" {
		s.Direction = domain.DirectionOf(s.Sign)
	}
	return s, nil
}
