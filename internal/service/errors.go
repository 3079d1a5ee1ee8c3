// errors.go — ошибки приёма объектов.
package service

import (
	"errors"
	"fmt"
)

// IngestKind — категория отказа в приёме объекта.
type IngestKind string

const (
	// KindTooLarge — объект больше допустимого размера.
	KindTooLarge IngestKind = "too_large"
	// KindUnsupportedType — тип содержимого не входит в разрешённый список.
	KindUnsupportedType IngestKind = "unsupported_type"
	// KindStream — ошибка чтения входного потока или отмена контекста.
	KindStream IngestKind = "stream_error"
	// KindStorage — ошибка записи на диск или регистрации.
	KindStorage IngestKind = "storage_error"
)

// Сентинелы для errors.Is.
var (
	ErrTooLarge        = errors.New("объект превышает допустимый размер")
	ErrUnsupportedType = errors.New("тип содержимого не поддерживается")
	ErrStream          = errors.New("ошибка чтения входного потока")
	ErrStorage         = errors.New("ошибка хранилища")
)

// IngestError — ошибка приёма объекта с категорией.
type IngestError struct {
	Kind IngestKind
	// Err — исходная причина (может быть nil)
	Err error
}

func (e *IngestError) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с сентинелом её категории.
func (e *IngestError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *IngestError) sentinel() error {
	switch e.Kind {
	case KindTooLarge:
		return ErrTooLarge
	case KindUnsupportedType:
		return ErrUnsupportedType
	case KindStream:
		return ErrStream
	default:
		return ErrStorage
	}
}

func ingestErr(kind IngestKind, err error) *IngestError {
	return &IngestError{Kind: kind, Err: err}
}
