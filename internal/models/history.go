package models

import "time"

type GenerationMode string

const (
	ModeScript   GenerationMode = "script"
	ModeCoparent GenerationMode = "coparent"
)

type HistoryItem struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Type      GenerationMode `json:"type"`
	Situation string         `json:"situation"`
	Result    string         `json:"result"`
}
