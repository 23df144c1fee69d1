package sales

import (
	"fmt"
	"strings"

	"salesetl/internal/apperrors"
	"salesetl/internal/domain"
	"salesetl/internal/etl"
)

// JoinTransactions enriches transactions with product and customer
// attributes: transaction ⟕ product ON ProductNo ⟕ customer ON CustomerNo.
// Reference keys must be unique so the result has exactly one row per
// transaction.
func JoinTransactions(transactions, products, customers *etl.Table) (*etl.Table, error) {
	if err := requireColumns("transaction", transactions,
		domain.ColTransactionNo, domain.ColDate, domain.ColProductNo,
		domain.ColPrice, domain.ColQuantity, domain.ColCustomerNo); err != nil {
		return nil, err
	}
	if err := requireColumns("product", products, domain.ColProductNo, domain.ColProductName); err != nil {
		return nil, err
	}
	if err := requireColumns("customer", customers, domain.ColCustomerNo, domain.ColCountry, domain.ColCustomerName); err != nil {
		return nil, err
	}
	if err := products.CheckUniqueKey(domain.ColProductNo); err != nil {
		return nil, fmt.Errorf("product: %w", err)
	}
	if err := customers.CheckUniqueKey(domain.ColCustomerNo); err != nil {
		return nil, fmt.Errorf("customer: %w", err)
	}

	withProducts, err := etl.LeftJoin(transactions, products, domain.ColProductNo, domain.ColProductNo)
	if err != nil {
		return nil, fmt.Errorf("join product: %w", err)
	}
	merged, err := etl.LeftJoin(withProducts, customers, domain.ColCustomerNo, domain.ColCustomerNo)
	if err != nil {
		return nil, fmt.Errorf("join customer: %w", err)
	}
	return merged, nil
}

// PrepareRates drops the record id and parses the date column into a
// calendar date. There must be at most one rate per date.
func PrepareRates(raw *etl.Table, rateField string) (*etl.Table, error) {
	if err := requireColumns("conversion rate", raw, domain.ColRateDate, rateField); err != nil {
		return nil, err
	}

	var ts []etl.Transformer
	if raw.Schema.Has(domain.ColRateID) {
		ts = append(ts, &etl.DropTransform{Fields: []string{domain.ColRateID}})
	}
	ts = append(ts,
		&etl.TypeCastTransform{Field: domain.ColRateDate, CastType: etl.TypeDate, Strict: true},
		&etl.TypeCastTransform{Field: rateField, CastType: etl.TypeNumber, Strict: true},
	)
	rates, err := raw.Apply(ts...)
	if err != nil {
		return nil, fmt.Errorf("conversion rate: %w", err)
	}
	if err := rates.CheckUniqueKey(domain.ColRateDate); err != nil {
		return nil, fmt.Errorf("conversion rate: %w", err)
	}
	return rates, nil
}

// Enrich merges transactions with rates on the transaction date, computes
// the monetary columns and shapes the result into the warehouse schema.
// Transactions without a rate for their date keep a null converted amount.
func Enrich(transactions, rates *etl.Table, rateField string) (*etl.Table, error) {
	if err := requireColumns("transaction", transactions, sourceColumns()...); err != nil {
		return nil, err
	}
	if err := requireColumns("conversion rate", rates, domain.ColRateDate, rateField); err != nil {
		return nil, err
	}

	dated, err := transactions.Apply(&etl.TypeCastTransform{Field: domain.ColDate, CastType: etl.TypeDate, Strict: true})
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	merged, err := etl.LeftJoin(dated, rates, domain.ColDate, domain.ColRateDate)
	if err != nil {
		return nil, fmt.Errorf("join rates: %w", err)
	}

	rename := make(map[string]string, len(domain.SalesOutputColumns))
	for _, c := range domain.SalesOutputColumns {
		if c.From != c.To {
			rename[c.From] = c.To
		}
	}

	out, err := merged.Apply(
		&etl.ComputeTransform{Columns: []etl.ComputeColumn{
			{Name: domain.ColTotalAmount, Expression: fmt.Sprintf("{%s} * {%s}", domain.ColPrice, domain.ColQuantity)},
			{Name: domain.ColConvertedAmount, Expression: fmt.Sprintf("{%s} * {%s}", domain.ColTotalAmount, rateField)},
		}},
		&etl.DropTransform{Fields: []string{domain.ColRateDate, rateField}},
		&etl.RenameTransform{Mapping: rename},
		&etl.SelectTransform{Fields: domain.SalesOutputNames()},
	)
	if err != nil {
		return nil, err
	}
	if out.Len() != transactions.Len() {
		return nil, fmt.Errorf("%w: merge produced %d rows from %d transactions",
			apperrors.ErrValidation, out.Len(), transactions.Len())
	}
	return out, nil
}

// sourceColumns lists the merged-transaction columns the output is built from.
func sourceColumns() []string {
	var cols []string
	for _, c := range domain.SalesOutputColumns {
		if c.From == domain.ColTotalAmount || c.From == domain.ColConvertedAmount {
			continue
		}
		cols = append(cols, c.From)
	}
	return cols
}

func requireColumns(what string, t *etl.Table, cols ...string) error {
	if missing := t.RequireColumns(cols...); len(missing) > 0 {
		return fmt.Errorf("%w: %s data is missing %s", apperrors.ErrSchemaMismatch, what, strings.Join(missing, ", "))
	}
	return nil
}
