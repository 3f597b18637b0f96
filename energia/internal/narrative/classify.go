package narrative

import "regexp"

// DefaultTipo is the analysis type when no rule matches.
const DefaultTipo = "general"

type rule struct {
	tipo string
	re   *regexp.Regexp
}

// rules are tried in order; the first match wins. The order is a
// tie-break policy: "costo de la demanda" is demanda, not precios.
// "cu" matches inside words ("¿Cuál", "cuánto") as well.
var rules = []rule{
	{"demanda", regexp.MustCompile(`(?i)demanda|consumo`)},
	{"generacion", regexp.MustCompile(`(?i)generaci[oó]n|producci[oó]n`)},
	{"precios", regexp.MustCompile(`(?i)precio|costo|cu|bolsa`)},
	{"restricciones", regexp.MustCompile(`(?i)restricci[oó]n|contingencia`)},
	{"anomalias", regexp.MustCompile(`(?i)anomal[ií]a|problema|alerta`)},
	{"proyeccion", regexp.MustCompile(`(?i)proyecci[oó]n|pron[oó]stico|predicci[oó]n`)},
	{"resumen", regexp.MustCompile(`(?i)resumen|estado|situaci[oó]n`)},
}

// Classify returns the analysis type of pregunta.
func Classify(pregunta string) string {
	for _, r := range rules {
		if r.re.MatchString(pregunta) {
			return r.tipo
		}
	}
	return DefaultTipo
}

// Tipos lists every type Classify can return, in rule order.
func Tipos() []string {
	out := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.tipo)
	}
	return append(out, DefaultTipo)
}
