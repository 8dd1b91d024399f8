package httpx

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/medstock/internal/shared"
)

type sampleItem struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
}

type sampleRequest struct {
	LocationID int64        `json:"location_id" validate:"required,gt=0"`
	Items      []sampleItem `json:"items" validate:"required,min=1,dive"`
}

func TestValidateReportsJSONFieldNames(t *testing.T) {
	v := NewValidator()

	err := Validate(v, sampleRequest{Items: []sampleItem{{ProductID: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	var fe *shared.FieldError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "location_id", fe.Field)

	err = Validate(v, sampleRequest{LocationID: 1, Items: []sampleItem{{ProductID: 0}}})
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "items[0].product_id", fe.Field)

	require.NoError(t, Validate(v, sampleRequest{LocationID: 1, Items: []sampleItem{{ProductID: 4}}}))
}

func TestQueryInt64AndParseDate(t *testing.T) {
	r := httptest.NewRequest("GET", "/?product_id=12&location_id=x", nil)
	v, err := QueryInt64(r, "product_id")
	require.NoError(t, err)
	require.EqualValues(t, 12, v)
	_, err = QueryInt64(r, "location_id")
	require.ErrorIs(t, err, shared.ErrValidation)
	v, err = QueryInt64(r, "missing")
	require.NoError(t, err)
	require.Zero(t, v)

	good := "2027-01-31"
	d, err := ParseDate("expiration_date", &good)
	require.NoError(t, err)
	require.Equal(t, 31, d.Day())
	bad := "31/01/2027"
	_, err = ParseDate("expiration_date", &bad)
	require.ErrorIs(t, err, shared.ErrValidation)
	d, err = ParseDate("expiration_date", nil)
	require.NoError(t, err)
	require.Nil(t, d)
}
