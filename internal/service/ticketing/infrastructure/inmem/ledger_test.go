package inmem_test

import (
	"testing"

	"rally/internal/service/ticketing/domain/port"
	"rally/internal/service/ticketing/infrastructure/inmem"
	"rally/internal/service/ticketing/infrastructure/ledgertest"
)

func TestContract(t *testing.T) {
	ledgertest.TestCreditLedgerContract(t, func(t *testing.T) (port.CreditLedger, error) {
		return inmem.NewLedger(), nil
	})
}
