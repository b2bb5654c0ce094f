package payme

// ErrorInfo describes a Payme-compatible error.
type ErrorInfo struct {
	Name    string
	Code    int
	Message map[string]string
}

var (
	ErrorInvalidAmount = ErrorInfo{
		Name: "InvalidAmount",
		Code: -31001,
		Message: map[string]string{
			"uz": "Noto'g'ri summa",
			"ru": "Недопустимая сумма",
			"en": "Invalid amount",
		},
	}
	ErrorCantCancel = ErrorInfo{
		Name: "CantCancel",
		Code: -31007,
		Message: map[string]string{
			"uz": "Tranzaksiyani bekor qilib bo'lmaydi",
			"ru": "Невозможно отменить транзакцию",
			"en": "Unable to cancel transaction",
		},
	}
	ErrorCantDoOperation = ErrorInfo{
		Name: "CantDoOperation",
		Code: -31008,
		Message: map[string]string{
			"uz": "Biz operatsiyani bajara olmaymiz",
			"ru": "Мы не можем сделать операцию",
			"en": "We can't do operation",
		},
	}
	ErrorTransactionNotFound = ErrorInfo{
		Name: "TransactionNotFound",
		Code: -31050,
		Message: map[string]string{
			"uz": "Tranzaktsiya topilmadi",
			"ru": "Транзакция не найдена",
			"en": "Transaction not found",
		},
	}
	ErrorAlreadyDone = ErrorInfo{
		Name: "AlreadyDone",
		Code: -31060,
		Message: map[string]string{
			"uz": "Mahsulot uchun to'lov qilingan",
			"ru": "Оплачено за товар",
			"en": "Paid for the product",
		},
	}
	ErrorPending = ErrorInfo{
		Name: "Pending",
		Code: -31050,
		Message: map[string]string{
			"uz": "Mahsulot uchun to'lov kutilayapti",
			"ru": "Ожидается оплата товар",
			"en": "Payment for the product is pending",
		},
	}
	ErrorSystem = ErrorInfo{
		Name: "SystemError",
		Code: -32400,
		Message: map[string]string{
			"uz": "Tizim xatosi",
			"ru": "Системная ошибка",
			"en": "System error",
		},
	}
	ErrorInvalidAuthorization = ErrorInfo{
		Name: "InvalidAuthorization",
		Code: -32504,
		Message: map[string]string{
			"uz": "Avtorizatsiya yaroqsiz",
			"ru": "Авторизация недействительна",
			"en": "Authorization invalid",
		},
	}
)

// TransactionError is a structured Payme transaction error.
type TransactionError struct {
	Info ErrorInfo
	ID   any
	Data any
}

func (e *TransactionError) Error() string {
	return e.Info.Name
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int               `json:"code"`
	Message map[string]string `json:"message"`
	Data    any               `json:"data"`
}

// ErrorResponse renders info the way Payme expects it.
func ErrorResponse(info ErrorInfo, id, data any) map[string]any {
	return map[string]any{
		"error": RPCError{
			Code: info.Code,
			Message: map[string]string{
				"uz": info.Message["uz"],
				"ru": info.Message["ru"],
				"en": info.Message["en"],
			},
			Data: data,
		},
		"id": id,
	}
}
