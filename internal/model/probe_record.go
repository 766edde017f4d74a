package model

// ProbeRecord 探测历史，每轮对账每个端点一行
type ProbeRecord struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	PassID      string `gorm:"column:pass_id;type:varchar(36);index;not null" json:"pass_id"`
	Kind        string `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	Name        string `gorm:"column:name;type:varchar(64);index:idx_probe_name_checked;not null" json:"name"`
	Status      string `gorm:"column:status;type:varchar(16);not null" json:"status"`
	LatencyMs   *int64 `gorm:"column:latency_ms;type:bigint" json:"latency_ms,omitempty"`
	Score       string `gorm:"column:score;type:numeric(12,4);not null" json:"score"`
	PrimaryOK   bool   `gorm:"column:primary_ok;type:boolean;not null" json:"primary_ok"`
	SecondaryOK bool   `gorm:"column:secondary_ok;type:boolean;not null" json:"secondary_ok"`
	Error       string `gorm:"column:error;type:text" json:"error,omitempty"`
	CheckedAt   int64  `gorm:"column:checked_at;type:bigint;index:idx_probe_name_checked;not null" json:"checked_at"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ProbeRecord) TableName() string {
	return "eidos_endpoints_probe_results"
}

// NewProbeRecord 由已评分的端点构造历史行
func NewProbeRecord(passID string, e *Endpoint, createdAt int64) *ProbeRecord {
	rec := &ProbeRecord{
		PassID:      passID,
		Kind:        string(e.Kind),
		Name:        e.Name,
		Status:      string(e.State.Status),
		Score:       e.State.Score.StringFixed(4),
		PrimaryOK:   e.State.PrimaryOK,
		SecondaryOK: e.State.SecondaryOK,
		Error:       e.State.Error,
		CheckedAt:   e.State.LastCheckedAt.UnixMilli(),
		CreatedAt:   createdAt,
	}
	if e.State.Latency != nil {
		ms := e.State.Latency.Milliseconds()
		rec.LatencyMs = &ms
	}
	return rec
}
