package domain

// Column names of the source tables. The transaction table references the
// product and customer tables through ProductNo and CustomerNo.
const (
	ColTransactionNo = "TransactionNo"
	ColDate          = "Date"
	ColProductNo     = "ProductNo"
	ColPrice         = "Price"
	ColQuantity      = "Quantity"
	ColCustomerNo    = "CustomerNo"
	ColProductName   = "ProductName"
	ColCountry       = "Country"
	ColCustomerName  = "Name"
)

// Columns of a conversion rate record after the id is dropped. The rate
// column itself is configurable (gbp_thb for the workshop endpoint).
const (
	ColRateID   = "id"
	ColRateDate = "date"
)

// Derived columns computed during the merge.
const (
	ColTotalAmount     = "total_amount"
	ColConvertedAmount = "thb_amount"
)

// OutputColumn maps a merged column onto its name in the warehouse table.
type OutputColumn struct {
	From string
	To   string
}

// SalesOutputColumns is the fixed warehouse schema, in load order.
var SalesOutputColumns = []OutputColumn{
	{From: ColTransactionNo, To: "transaction_id"},
	{From: ColDate, To: "date"},
	{From: ColProductNo, To: "product_id"},
	{From: ColPrice, To: "price"},
	{From: ColQuantity, To: "quantity"},
	{From: ColCustomerNo, To: "customer_id"},
	{From: ColProductName, To: "product_name"},
	{From: ColCountry, To: "customer_country"},
	{From: ColCustomerName, To: "customer_name"},
	{From: ColTotalAmount, To: ColTotalAmount},
	{From: ColConvertedAmount, To: ColConvertedAmount},
}

// SalesOutputNames returns the warehouse column names in order.
func SalesOutputNames() []string {
	names := make([]string, len(SalesOutputColumns))
	for i, c := range SalesOutputColumns {
		names[i] = c.To
	}
	return names
}
