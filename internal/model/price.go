package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// RawPriceItem is the upstream station/price record. Field names and
// tags follow the upstream JSON.
type RawPriceItem struct {
	NomeFantasia  string  `json:"nome_fantasia"`
	CNPJ          string  `json:"cnpj"`
	Endereco      string  `json:"endereco"`
	Numero        string  `json:"numero"`
	Bairro        string  `json:"bairro"`
	CEP           string  `json:"cep"`
	Cidade        string  `json:"cidade"`
	Estado        string  `json:"estado"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Produto       string  `json:"produto"`
	UnidadeMedida string  `json:"unidade_medida"`
	ValorVenda    float64 `json:"valor_venda"`
	DataColeta    string  `json:"data_coleta"`
}

// dataColetaLayout is the upstream observation timestamp format
// (Brazilian day-first, local time).
const dataColetaLayout = "02/01/2006 15:04:05"

// PriceRecord is a warehouse row: one observed price at one station,
// with collection provenance.
type PriceRecord struct {
	ID          string    `json:"id,omitempty"`
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	FuelType    string    `json:"fuel_type"`
	CollectedAt time.Time `json:"collected_at"`
	StationName string    `json:"station_name"`
	CNPJ        string    `json:"cnpj"`
	Street      string    `json:"street"`
	Number      string    `json:"number"`
	District    string    `json:"district"`
	ZipCode     string    `json:"zip_code"`
	City        string    `json:"city"`
	UF          string    `json:"uf"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	ProductDesc string    `json:"product_desc"`
	Unit        string    `json:"unit"`
	PriceUnit   float64   `json:"price_unit"`
	PriceTS     time.Time `json:"price_ts"`
}

// RecordFromRow maps a collected row to a warehouse record. The raw
// payload must decode as a price item; an unparseable data_coleta
// leaves PriceTS zero rather than failing the row.
func RecordFromRow(row CollectedRow) (PriceRecord, error) {
	var item RawPriceItem
	if err := json.Unmarshal(row.Raw, &item); err != nil {
		return PriceRecord{}, eris.Wrap(err, "model: decode raw price item")
	}

	rec := PriceRecord{
		RunID:       row.RunID,
		Source:      row.Source,
		FuelType:    row.ANP,
		CollectedAt: row.CollectedAtUTC,
		StationName: item.NomeFantasia,
		CNPJ:        item.CNPJ,
		Street:      item.Endereco,
		Number:      item.Numero,
		District:    item.Bairro,
		ZipCode:     item.CEP,
		City:        item.Cidade,
		UF:          item.Estado,
		Lat:         item.Latitude,
		Lng:         item.Longitude,
		ProductDesc: item.Produto,
		Unit:        item.UnidadeMedida,
		PriceUnit:   item.ValorVenda,
	}
	if item.DataColeta != "" {
		if ts, err := time.Parse(dataColetaLayout, item.DataColeta); err == nil {
			rec.PriceTS = ts
		}
	}
	return rec, nil
}
