package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestValidate(t *testing.T) {
	_, err := Validate(models.Mention{Name: "Acme", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)

	_, err = Validate(models.Mention{Name: "Acme", EntityType: "planet"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EntityType: failed 'oneof=company investor person'")

	_, err = Validate(models.Mention{EntityType: models.EntityTypePerson})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name: failed 'required'")
}

func TestValidateValue(t *testing.T) {
	assert.NoError(t, ValidateValue(0.5, "gte=0,lte=1"))
	assert.Error(t, ValidateValue(1.5, "gte=0,lte=1"))
}
