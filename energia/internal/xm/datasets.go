package xm

import (
	"context"
	"time"

	"github.com/hazyhaar/energia/energia/internal/store"
)

// endpoint is one XM dataset: its path and the envelope key holding rows.
// identity lists the item fields, in order of preference, that name the
// element a reading belongs to; an item with all of them blank is dropped.
type endpoint struct {
	name     string
	path     string
	key      string
	identity []string
}

var (
	epDemanda       = endpoint{"demanda", "/consumos/demanda/DemandaTiempoReal", "DemandaTiempoReal", nil}
	epGeneracion    = endpoint{"generacion", "/generacion/GeneracionPorTipo", "GeneracionPorTipo", []string{"Recurso", "TipoFuente"}}
	epPrecios       = endpoint{"precios", "/costos/PreciosBolsa", "PreciosBolsa", nil}
	epRestricciones = endpoint{"restricciones", "/restricciones/RestriccionesSIN", "Restricciones", []string{"Elemento"}}
	epTransmision   = endpoint{"transmision", "/transmision/EstadoSTN", "Transmision", []string{"Elemento"}}
)

// identityOf returns the first non-blank identity field of it.
func (ep endpoint) identityOf(it map[string]any) string {
	for _, f := range ep.identity {
		if s := str(it[f]); s != "" {
			return s
		}
	}
	return ""
}

// fetchAs fetches ep and converts each item with conv. Items whose Fecha
// cannot be parsed, or that carry no identity, are dropped: their natural
// key would be invalid or collide with an unrelated reading.
func fetchAs[T any](ctx context.Context, c *Client, ep endpoint, conv func(item map[string]any, at time.Time) T) ([]T, error) {
	items, err := c.items(ctx, ep)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	badFecha, anonymous := 0, 0
	for _, it := range items {
		at, ok := parseFecha(it["Fecha"], c.cfg.Location)
		if !ok {
			badFecha++
			continue
		}
		if len(ep.identity) > 0 && ep.identityOf(it) == "" {
			anonymous++
			continue
		}
		out = append(out, conv(it, at))
	}
	if badFecha > 0 {
		c.logger.Warn("xm: items without valid Fecha skipped", "dataset", ep.name, "skipped", badFecha, "kept", len(out))
	}
	if anonymous > 0 {
		c.logger.Warn("xm: items without identity skipped", "dataset", ep.name,
			"fields", ep.identity, "skipped", anonymous, "kept", len(out))
	}
	c.logger.Debug("xm: fetched", "dataset", ep.name, "items", len(out))
	return out, nil
}

// Demanda returns real-time demand readings.
func (c *Client) Demanda(ctx context.Context) ([]store.Demanda, error) {
	return fetchAs(ctx, c, epDemanda, func(it map[string]any, at time.Time) store.Demanda {
		return store.Demanda{
			FechaHora:          at,
			DemandaMW:          num(it["Demanda"]),
			DemandaComercialMW: num(it["DemandaComercial"]),
			Region:             str(it["Region"]),
		}
	})
}

// Generacion returns generation per resource.
func (c *Client) Generacion(ctx context.Context) ([]store.Generacion, error) {
	return fetchAs(ctx, c, epGeneracion, func(it map[string]any, at time.Time) store.Generacion {
		return store.Generacion{
			FechaHora:           at,
			TipoFuente:          str(it["TipoFuente"]),
			Recurso:             epGeneracion.identityOf(it), // per-type items have no Recurso
			GeneracionMW:        num(it["GeneracionReal"]),
			CapacidadEfectivaMW: num(it["CapacidadEfectiva"]),
			Empresa:             str(it["Empresa"]),
		}
	})
}

// Precios returns spot and scarcity prices.
func (c *Client) Precios(ctx context.Context) ([]store.PrecioBolsa, error) {
	return fetchAs(ctx, c, epPrecios, func(it map[string]any, at time.Time) store.PrecioBolsa {
		return store.PrecioBolsa{
			FechaHora:     at,
			PrecioBolsa:   num(it["PrecioBolsa"]),
			PrecioEscasez: num(it["PrecioEscasez"]),
		}
	})
}

// Restricciones returns grid restrictions.
func (c *Client) Restricciones(ctx context.Context) ([]store.Restriccion, error) {
	return fetchAs(ctx, c, epRestricciones, func(it map[string]any, at time.Time) store.Restriccion {
		return store.Restriccion{
			FechaHora:             at,
			TipoRestriccion:       str(it["TipoRestriccion"]),
			ElementoAfectado:      str(it["Elemento"]),
			Causa:                 str(it["Causa"]),
			CostoCOP:              num(it["Costo"]),
			EnergiaRestringidaMWh: num(it["EnergiaRestringida"]),
			Region:                str(it["Region"]),
			Estado:                str(it["Estado"]),
		}
	})
}

// Transmision returns the state of transmission elements.
func (c *Client) Transmision(ctx context.Context) ([]store.Transmision, error) {
	return fetchAs(ctx, c, epTransmision, func(it map[string]any, at time.Time) store.Transmision {
		return store.Transmision{
			FechaHora:      at,
			Elemento:       str(it["Elemento"]),
			TipoElemento:   str(it["Tipo"]),
			VoltajeKV:      num(it["Voltaje"]),
			CargaMW:        num(it["Carga"]),
			CapacidadMW:    num(it["Capacidad"]),
			UtilizacionPct: num(it["Utilizacion"]),
			Estado:         str(it["Estado"]),
			Empresa:        str(it["Propietario"]),
		}
	})
}
