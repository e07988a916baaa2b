// Package backup снимает полную копию локального кеша, восстанавливает её и
// переносит локальные данные в удалённое хранилище пакетами.
package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
)

// FormatVersion записывается в каждую резервную копию.
const FormatVersion = "2.0"

// MaxDocumentSize ограничивает размер разбираемой копии.
const MaxDocumentSize = 64 << 20

// requiredKeys - коллекции, без которых копия не принимается.
var requiredKeys = []string{"users", "companies", "applications"}

// Document - переносимая резервная копия всей системы.
type Document struct {
	Users        []user.User               `json:"users"`
	Companies    []company.Company         `json:"companies"`
	Applications []application.Application `json:"applications"`
	AdConfig     adconfig.Config           `json:"adConfig"`
	Timestamp    string                    `json:"timestamp"`
	Version      string                    `json:"version"`
}

// Validate проверяет наличие обязательных коллекций.
func (d Document) Validate() error {
	if d.Users == nil || d.Companies == nil || d.Applications == nil {
		return shared.ErrInvalidBackup
	}
	return nil
}

// normalize заменяет отсутствующие значения пустыми.
func (d *Document) normalize() {
	if d.AdConfig.Items == nil {
		d.AdConfig.Items = []adconfig.Item{}
	}
}

// Encode пишет копию в w в читаемом виде.
func (d Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return nil
}

// Parse читает копию из r. Копия без массивов users, companies или
// applications отклоняется с ошибкой формата; отсутствующий adConfig
// становится пустым.
func Parse(r io.Reader) (Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return Document{}, shared.WrapError("backup", "Parse", shared.ErrInvalidFormat, "backup cannot be read", err)
	}
	if len(data) > MaxDocumentSize {
		return Document{}, shared.NewDomainError("backup", "Parse", shared.ErrInvalidFormat, "backup is too large")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Document{}, shared.WrapError("backup", "Parse", shared.ErrInvalidFormat, "backup is not a JSON object", err)
	}
	for _, key := range requiredKeys {
		raw, ok := top[key]
		if !ok || !isArray(raw) {
			return Document{}, shared.WrapError("backup", "Parse", shared.ErrInvalidFormat,
				fmt.Sprintf("backup must contain a %q array", key), shared.ErrInvalidBackup)
		}
	}

	doc := Document{AdConfig: adconfig.Empty()}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, shared.WrapError("backup", "Parse", shared.ErrInvalidFormat, "backup contains malformed records", err)
	}
	doc.normalize()
	return doc, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
