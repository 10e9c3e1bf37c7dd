package generator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"dataport/internal/export/model"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Formatter renders scalars for one locale and time zone.
type Formatter struct {
	printer        *message.Printer
	decimal        string
	loc            *time.Location
	dateLayout     string
	dateTimeLayout string
	yes, no        string
}

var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
	"CHF": "CHF",
}

// NewFormatter creates a formatter. Dates are day/month/year except for
// American English.
func NewFormatter(locale, timezone string) (*Formatter, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("parse locale %q failed: %w", locale, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q failed: %w", timezone, err)
	}
	f := &Formatter{
		printer:        message.NewPrinter(tag),
		loc:            loc,
		dateLayout:     "02/01/2006",
		dateTimeLayout: "02/01/2006 15:04",
		yes:            "true",
		no:             "false",
	}
	f.decimal = strings.TrimFunc(f.printer.Sprintf("%.1f", 0.5), unicode.IsDigit)
	if f.decimal == "" {
		f.decimal = "."
	}
	base, _ := tag.Base()
	region, _ := tag.Region()
	if base.String() == "en" && region.String() == "US" {
		f.dateLayout = "01/02/2006"
		f.dateTimeLayout = "01/02/2006 15:04"
	}
	switch base.String() {
	case "it":
		f.yes, f.no = "sì", "no"
	case "en":
		f.yes, f.no = "yes", "no"
	}
	return f, nil
}

// Date renders the calendar date of t in the formatter's zone.
func (f *Formatter) Date(t time.Time) string {
	return t.In(f.loc).Format(f.dateLayout)
}

// DateTime renders t with minutes precision in the formatter's zone.
func (f *Formatter) DateTime(t time.Time) string {
	return t.In(f.loc).Format(f.dateTimeLayout)
}

// Money renders the symbol followed by a grouped amount, e.g. "€ 1.234,56".
// Units and cents are formatted as integers so no amount loses precision.
func (f *Formatter) Money(m model.Money) string {
	symbol, ok := currencySymbols[m.Currency]
	if !ok {
		symbol = m.Currency
	}
	sign := ""
	abs := uint64(m.Cents)
	if m.Cents < 0 {
		sign = "-"
		abs = -abs
	}
	units := f.printer.Sprintf("%d", abs/100)
	return symbol + " " + sign + units + f.decimal + fmt.Sprintf("%02d", abs%100)
}

// Number renders an integer with locale grouping.
func (f *Formatter) Number(n int64) string {
	return f.printer.Sprintf("%d", n)
}

// Text renders v as a single cell.
func (f *Formatter) Text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return f.boolean(val)
	case *bool:
		if val == nil {
			return ""
		}
		return f.boolean(*val)
	case time.Time:
		return f.DateTime(val)
	case *time.Time:
		if val == nil {
			return ""
		}
		return f.DateTime(*val)
	case model.Date:
		return f.Date(val.Time)
	case model.Money:
		return f.Money(val)
	default:
		return fmt.Sprint(val)
	}
}

// JSONValue renders v for the JSON document: dates and money become
// locale strings, numbers and booleans stay native.
func (f *Formatter) JSONValue(v any) any {
	switch val := v.(type) {
	case time.Time, model.Date, model.Money:
		return f.Text(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return f.DateTime(*val)
	case *bool:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}

func (f *Formatter) boolean(b bool) string {
	if b {
		return f.yes
	}
	return f.no
}
