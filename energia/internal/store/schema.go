package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the complete energia schema. Every statement is idempotent.
// Natural keys are UNIQUE constraints; key columns are NOT NULL so that
// SQLite's "NULLs are distinct" rule cannot defeat deduplication.
const Schema = `
CREATE TABLE IF NOT EXISTS demanda (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora           TEXT NOT NULL CHECK (fecha_hora <> ''),
    demanda_mw           REAL NOT NULL DEFAULT 0,
    demanda_comercial_mw REAL NOT NULL DEFAULT 0,
    region               TEXT NOT NULL DEFAULT 'SIN',
    UNIQUE (fecha_hora, region)
);
CREATE INDEX IF NOT EXISTS idx_demanda_fecha ON demanda(fecha_hora DESC);

CREATE TABLE IF NOT EXISTS generacion (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora            TEXT NOT NULL CHECK (fecha_hora <> ''),
    tipo_fuente           TEXT NOT NULL DEFAULT 'DESCONOCIDO',
    recurso               TEXT NOT NULL DEFAULT '',
    generacion_mw         REAL NOT NULL DEFAULT 0,
    capacidad_efectiva_mw REAL NOT NULL DEFAULT 0,
    empresa               TEXT NOT NULL DEFAULT '',
    UNIQUE (fecha_hora, recurso)
);
CREATE INDEX IF NOT EXISTS idx_generacion_fecha ON generacion(fecha_hora DESC);
CREATE INDEX IF NOT EXISTS idx_generacion_tipo ON generacion(tipo_fuente, fecha_hora);

CREATE TABLE IF NOT EXISTS precios_bolsa (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora             TEXT NOT NULL UNIQUE CHECK (fecha_hora <> ''),
    precio_bolsa_cop_kwh   REAL NOT NULL DEFAULT 0,
    precio_escasez_cop_kwh REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS restricciones (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora              TEXT NOT NULL CHECK (fecha_hora <> ''),
    tipo_restriccion        TEXT NOT NULL DEFAULT '',
    elemento_afectado       TEXT NOT NULL DEFAULT '',
    causa                   TEXT NOT NULL DEFAULT '',
    costo_restriccion_cop   REAL NOT NULL DEFAULT 0,
    energia_restringida_mwh REAL NOT NULL DEFAULT 0,
    region                  TEXT NOT NULL DEFAULT 'SIN',
    estado                  TEXT NOT NULL DEFAULT 'activa' CHECK (estado IN ('activa', 'resuelta')),
    fecha_resolucion        TEXT,
    UNIQUE (fecha_hora, elemento_afectado)
);
CREATE INDEX IF NOT EXISTS idx_restricciones_fecha ON restricciones(fecha_hora DESC);
CREATE INDEX IF NOT EXISTS idx_restricciones_estado ON restricciones(estado);

CREATE TABLE IF NOT EXISTS transmision (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora      TEXT NOT NULL CHECK (fecha_hora <> ''),
    elemento        TEXT NOT NULL DEFAULT '',
    tipo_elemento   TEXT NOT NULL DEFAULT '',
    voltaje_kv      REAL NOT NULL DEFAULT 0,
    carga_mw        REAL NOT NULL DEFAULT 0,
    capacidad_mw    REAL NOT NULL DEFAULT 0,
    utilizacion_pct REAL NOT NULL DEFAULT 0,
    estado          TEXT NOT NULL DEFAULT 'normal',
    empresa         TEXT NOT NULL DEFAULT '',
    UNIQUE (fecha_hora, elemento)
);
CREATE INDEX IF NOT EXISTS idx_transmision_fecha ON transmision(fecha_hora DESC);

CREATE TABLE IF NOT EXISTS alertas (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora       TEXT NOT NULL CHECK (fecha_hora <> ''),
    tipo             TEXT NOT NULL,
    severidad        TEXT NOT NULL DEFAULT 'media',
    componente       TEXT NOT NULL DEFAULT '',
    descripcion      TEXT NOT NULL DEFAULT '',
    valor            REAL,
    umbral           REAL,
    estado           TEXT NOT NULL DEFAULT 'activa' CHECK (estado IN ('activa', 'resuelta')),
    fecha_resolucion TEXT,
    UNIQUE (fecha_hora, tipo, componente)
);
CREATE INDEX IF NOT EXISTS idx_alertas_estado ON alertas(estado, fecha_hora DESC);

CREATE TABLE IF NOT EXISTS perdidas (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha        TEXT NOT NULL CHECK (fecha <> ''),
    tipo         TEXT NOT NULL DEFAULT '',
    region       TEXT NOT NULL DEFAULT 'SIN',
    perdidas_mwh REAL NOT NULL DEFAULT 0,
    porcentaje   REAL NOT NULL DEFAULT 0,
    UNIQUE (fecha, tipo, region)
);

CREATE TABLE IF NOT EXISTS comercializacion (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha_hora              TEXT NOT NULL CHECK (fecha_hora <> ''),
    empresa                 TEXT NOT NULL DEFAULT '',
    energia_vendida_mwh     REAL NOT NULL DEFAULT 0,
    precio_promedio_cop_kwh REAL NOT NULL DEFAULT 0,
    usuarios                INTEGER NOT NULL DEFAULT 0,
    UNIQUE (fecha_hora, empresa)
);

CREATE TABLE IF NOT EXISTS distribucion (
    id                       INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha                    TEXT NOT NULL CHECK (fecha <> ''),
    empresa                  TEXT NOT NULL DEFAULT '',
    region                   TEXT NOT NULL DEFAULT '',
    energia_distribuida_mwh  REAL NOT NULL DEFAULT 0,
    usuarios                 INTEGER NOT NULL DEFAULT 0,
    UNIQUE (fecha, empresa)
);

CREATE TABLE IF NOT EXISTS costo_unitario (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    fecha              TEXT NOT NULL CHECK (fecha <> ''),
    mercado            TEXT NOT NULL DEFAULT '',
    generacion_g       REAL NOT NULL DEFAULT 0,
    transmision_t      REAL NOT NULL DEFAULT 0,
    distribucion_d     REAL NOT NULL DEFAULT 0,
    comercializacion_c REAL NOT NULL DEFAULT 0,
    perdidas_pr        REAL NOT NULL DEFAULT 0,
    restricciones_r    REAL NOT NULL DEFAULT 0,
    cu_total           REAL NOT NULL DEFAULT 0,
    UNIQUE (fecha, mercado)
);

CREATE TABLE IF NOT EXISTS analisis_ia (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    tipo_analisis       TEXT NOT NULL DEFAULT 'general',
    pregunta            TEXT NOT NULL,
    respuesta           TEXT NOT NULL,
    contexto_datos      TEXT NOT NULL DEFAULT '{}',
    modelo_ia           TEXT NOT NULL DEFAULT '',
    tokens_usados       INTEGER NOT NULL DEFAULT 0,
    tiempo_respuesta_ms INTEGER NOT NULL DEFAULT 0,
    fecha_analisis      TEXT NOT NULL CHECK (fecha_analisis <> '')
);
CREATE INDEX IF NOT EXISTS idx_analisis_fecha ON analisis_ia(fecha_analisis DESC);
CREATE INDEX IF NOT EXISTS idx_analisis_tipo ON analisis_ia(tipo_analisis);

-- Scheduler observability: one row per task tick.
CREATE TABLE IF NOT EXISTS task_runs (
    id          TEXT PRIMARY KEY,
    task        TEXT NOT NULL,
    status      TEXT NOT NULL CHECK (status IN ('ok', 'error')),
    affected    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    started_at  TEXT NOT NULL CHECK (started_at <> '')
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task, started_at DESC);
`

// ApplySchema creates every table and index if missing.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
