package models

// PaymeTransaction mirrors the state Payme keeps for one merchant transaction.
// It links Payme's transaction id to our payment transaction name.
type PaymeTransaction struct {
	BaseModel
	PaymeID         string `gorm:"column:payme_id;uniqueIndex;size:64" json:"payme_id"`
	Gateway         string `gorm:"index;size:140" json:"gateway"`
	TransactionName string `gorm:"index;size:140" json:"transaction_name"`
	State           int    `json:"state"`
	Amount          int64  `json:"amount"`
	Time            int64  `json:"time"`
	CreateTime      int64  `gorm:"index" json:"create_time"`
	PerformTime     int64  `json:"perform_time"`
	CancelTime      int64  `json:"cancel_time"`
	Reason          *int   `json:"reason"`
}
