// Пакет model — доменные модели хранилища медиа.
// StoredObject — единая структура метаданных объекта, используется
// как in-memory представление, строка реестра и формат attr.json на диске.
package model

import (
	"time"
)

// HashLen — длина SHA-256 в hex.
const HashLen = 64

// StoredObject — зафиксированный объект, адресуемый по содержимому.
// После фиксации не изменяется.
type StoredObject struct {
	// Hash — SHA-256 содержимого, 64 символа hex в нижнем регистре
	Hash string `json:"hash"`

	// MIME — тип, определённый по сигнатуре первых байт
	MIME string `json:"mime"`

	// Size — размер в байтах
	Size int64 `json:"size"`

	// CreatedAt — момент первой фиксации (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// StoredObjectRef — ссылка на объект, которую вызывающая сторона сохраняет
// в своей записи (тред, ответ).
type StoredObjectRef struct {
	Hash string `json:"hash"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

// Ref возвращает ссылку на объект.
func (o *StoredObject) Ref() StoredObjectRef {
	return StoredObjectRef{Hash: o.Hash, MIME: o.MIME, Size: o.Size}
}

// ValidHash проверяет формат хэша: 64 символа [0-9a-f].
func ValidHash(hash string) bool {
	if len(hash) != HashLen {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
