// Package adconfig содержит единственную запись с настройками рекламного блока.
package adconfig

import "github.com/ryzugai/wbl-sub000/internal/domain/shared"

// DocumentID - идентификатор единственного документа настроек.
const DocumentID = "current"

// Item - один баннер.
type Item struct {
	ID       string `json:"id"`
	ImageURL string `json:"image_url" validate:"required"`
	LinkURL  string `json:"link_url,omitempty"`
}

// Config - упорядоченный список баннеров и признак включения.
type Config struct {
	Items   []Item      `json:"items" validate:"dive"`
	Enabled shared.Flag `json:"enabled"`
}

// Empty возвращает пустую конфигурацию.
func Empty() Config {
	return Config{Items: []Item{}}
}
