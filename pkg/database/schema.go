package database

// Schema is the billing schema. usage_records and invoices are append-only;
// company_billing holds exactly one mutable row per company.
const Schema = `
CREATE SEQUENCE IF NOT EXISTS invoice_number_seq START 1;

CREATE TABLE IF NOT EXISTS company_billing (
	company_id              UUID PRIMARY KEY,
	billing_status          TEXT NOT NULL DEFAULT 'trial',
	wallet_balance          NUMERIC(18,4) NOT NULL DEFAULT 0,
	current_month_spent     NUMERIC(18,4) NOT NULL DEFAULT 0,
	total_spent             NUMERIC(18,4) NOT NULL DEFAULT 0,
	current_month_start     TIMESTAMPTZ NOT NULL,
	monthly_spend_cap       NUMERIC(18,4),
	auto_recharge_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
	auto_recharge_threshold NUMERIC(18,4) NOT NULL DEFAULT 0,
	auto_recharge_amount    NUMERIC(18,4) NOT NULL DEFAULT 0,
	payment_provider        TEXT NOT NULL DEFAULT '',
	payment_customer_id     TEXT NOT NULL DEFAULT '',
	payment_method_id       TEXT NOT NULL DEFAULT '',
	payment_method_last4    TEXT NOT NULL DEFAULT '',
	recharge_in_flight      BOOLEAN NOT NULL DEFAULT FALSE,
	recharge_started_at     TIMESTAMPTZ,
	past_due_since          TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT company_billing_status_check
		CHECK (billing_status IN ('trial', 'active', 'past_due', 'suspended'))
);

CREATE TABLE IF NOT EXISTS usage_records (
	id              UUID PRIMARY KEY,
	company_id      UUID NOT NULL REFERENCES company_billing(company_id),
	job_id          UUID,
	category        TEXT NOT NULL,
	raw_quantity    NUMERIC(20,6) NOT NULL,
	base_cost       NUMERIC(18,4) NOT NULL,
	margin_percent  NUMERIC(9,4) NOT NULL,
	final_cost      NUMERIC(18,4) NOT NULL,
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS usage_records_idempotency_idx
	ON usage_records (company_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS usage_records_company_created_idx
	ON usage_records (company_id, created_at);
CREATE INDEX IF NOT EXISTS usage_records_job_idx
	ON usage_records (company_id, job_id) WHERE job_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS invoices (
	id             UUID PRIMARY KEY,
	invoice_number BIGINT NOT NULL UNIQUE,
	company_id     UUID NOT NULL REFERENCES company_billing(company_id),
	status         TEXT NOT NULL,
	line_items     JSONB NOT NULL,
	subtotal       NUMERIC(18,4) NOT NULL,
	tax_rate       NUMERIC(9,4),
	tax_amount     NUMERIC(18,4) NOT NULL,
	total          NUMERIC(18,4) NOT NULL,
	period_start   TIMESTAMPTZ NOT NULL,
	period_end     TIMESTAMPTZ NOT NULL,
	refund_of      UUID REFERENCES invoices(id),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS invoices_company_idx ON invoices (company_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS invoices_refund_of_idx ON invoices (refund_of) WHERE refund_of IS NOT NULL;

CREATE TABLE IF NOT EXISTS pricing_config (
	id             UUID PRIMARY KEY,
	company_id     UUID,
	margin_percent NUMERIC(9,4) NOT NULL,
	unit_prices    JSONB NOT NULL,
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS pricing_config_active_global_idx
	ON pricing_config ((company_id IS NULL)) WHERE active AND company_id IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS pricing_config_active_company_idx
	ON pricing_config (company_id) WHERE active AND company_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS recharge_attempts (
	id              UUID PRIMARY KEY,
	company_id      UUID NOT NULL REFERENCES company_billing(company_id),
	amount          NUMERIC(18,4) NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL,
	provider_ref    TEXT NOT NULL DEFAULT '',
	failure_message TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS recharge_attempts_company_idx ON recharge_attempts (company_id, created_at DESC);
CREATE INDEX IF NOT EXISTS recharge_attempts_provider_ref_idx
	ON recharge_attempts (provider_ref) WHERE provider_ref <> '';

CREATE TABLE IF NOT EXISTS webhook_events (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
