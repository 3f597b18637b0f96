package narrative

import (
	"encoding/json"
	"fmt"
)

const systemPrompt = `Eres un analista experto del sector energético colombiano.

Conoces la regulación de la CREG, el Sistema Interconectado Nacional (SIN) operado por XM,
el mercado mayorista y la bolsa de energía, y el Costo Unitario (CU) con sus componentes
G, T, D, Cv, R y PR.

Responde de forma técnica pero clara, con datos específicos cuando los tengas, identificando
riesgos y oportunidades y dando recomendaciones accionables. Cita fuentes (CREG, XM, MME)
cuando sea relevante.

Si no tienes datos suficientes, indícalo claramente y sugiere qué información se necesita.`

// Preset questions behind the /api/ia shortcuts.
const (
	preguntaResumen = `Genera un resumen ejecutivo del estado actual del Sistema Interconectado Nacional (SIN) de Colombia:
estado general, indicadores clave (demanda, generación, precios), tendencias, riesgos, anomalías
y recomendaciones prioritarias.`

	preguntaAnomalias = `Analiza los datos recientes del SIN y detecta anomalías: picos o caídas de demanda, variaciones
atípicas de generación, precios de bolsa fuera de rango y restricciones excesivas. Para cada una indica
severidad (crítica/alta/media/baja), componente afectado, impacto y acción recomendada.`

	preguntaProyeccion = `Con base en los datos recientes, proyecta la demanda de energía para las próximas %s.
Entrega proyección numérica (MW), rango de confianza, factores de riesgo y recomendaciones operativas.`

	preguntaCU = `Analiza los componentes del Costo Unitario (CU) actual (G, T, D, Cv, R, PR): valor y tendencia de cada
componente, el de mayor impacto, causas de variación, proyección del CU total y recomendaciones.`
)

// DefaultHorizonte is the demand projection horizon when none is given.
const DefaultHorizonte = "24 horas"

func preguntaProyectar(horizonte string) string {
	if horizonte == "" {
		horizonte = DefaultHorizonte
	}
	return fmt.Sprintf(preguntaProyeccion, horizonte)
}

// buildPrompt renders the user message: question, then the indented
// data context.
func buildPrompt(pregunta string, contexto []byte) string {
	return "PREGUNTA: " + pregunta + "\n\nDATOS DISPONIBLES:\n" + string(contexto) +
		"\n\nAnaliza los datos y responde la pregunta de forma clara y fundamentada."
}

func marshalContext(snap *Snapshot) ([]byte, error) {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("narrative: marshal context: %w", err)
	}
	return b, nil
}
