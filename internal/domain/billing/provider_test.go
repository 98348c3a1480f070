package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_Lookup(t *testing.T) {
	sub := &Subscription{ID: "sub_1", Items: []SubscriptionItem{
		{ID: "si_base", PriceID: "price_base"},
		{ID: "si_meter", PriceID: "price_meter"},
	}}

	item, ok := sub.ItemForPrice("price_meter")
	assert.True(t, ok)
	assert.Equal(t, "si_meter", item.ID)

	_, ok = sub.ItemForPrice("price_other")
	assert.False(t, ok)

	assert.True(t, sub.HasItem("si_base"))
	assert.False(t, sub.HasItem("si_gone"))
}
