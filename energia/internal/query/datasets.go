package query

import (
	"slices"

	"github.com/hazyhaar/energia/energia/internal/store"
)

// Dataset is one listable resource exposed as /api/{name}.
type Dataset struct {
	Name         string            `json:"name"`
	Table        string            `json:"table"`
	Filters      []string          `json:"filters"`
	Defaults     map[string]string `json:"defaults,omitempty"`
	DefaultLimit int               `json:"default_limit"`
}

var datasets = []Dataset{
	{Name: "demanda", Table: store.TableDemanda, Filters: []string{"region"}},
	{Name: "generacion", Table: store.TableGeneracion, Filters: []string{"tipo_fuente", "empresa"}},
	{Name: "precios", Table: store.TablePrecios},
	{Name: "restricciones", Table: store.TableRestricciones, Filters: []string{"estado", "region"}},
	{Name: "transmision", Table: store.TableTransmision, Filters: []string{"estado", "empresa"}},
	{
		Name: "alertas", Table: store.TableAlertas, Filters: []string{"estado", "tipo"},
		Defaults: map[string]string{"estado": store.StatusActive}, DefaultLimit: 50,
	},
	{Name: "perdidas", Table: store.TablePerdidas, Filters: []string{"tipo", "region"}},
	{Name: "comercializacion", Table: store.TableComercializacion, Filters: []string{"empresa"}},
	{Name: "distribucion", Table: store.TableDistribucion, Filters: []string{"empresa"}},
	{Name: "costo-unitario", Table: store.TableCostoUnitario, DefaultLimit: 30},
}

func init() {
	for i := range datasets {
		if datasets[i].DefaultLimit == 0 {
			datasets[i].DefaultLimit = store.DefaultLimit
		}
	}
}

// Datasets returns every listable dataset.
func Datasets() []Dataset {
	return slices.Clone(datasets)
}

// LookupDataset returns the dataset called name.
func LookupDataset(name string) (Dataset, bool) {
	for _, d := range datasets {
		if d.Name == name {
			return d, true
		}
	}
	return Dataset{}, false
}
