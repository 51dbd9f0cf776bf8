package main

import (
	"fmt"
	"strconv"

	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/sublog"
)

// prefs are the display preferences kept next to the logs.
type prefs struct {
	Order          string `json:"order"`
	ShowTimestamps bool   `json:"showTimestamps"`
}

// order is newest-first unless chronological was chosen explicitly.
func (p prefs) order() sublog.Order {
	if o, ok := sublog.ParseOrder(p.Order); ok && o == sublog.Oldest {
		return sublog.Oldest
	}
	return sublog.Newest
}

func loadPrefs(st store.Store) (prefs, error) {
	p := prefs{Order: "reverse"}
	v, ok, err := st.Get(store.PrefOrderKey)
	if err != nil {
		return p, fmt.Errorf("read order preference: %w", err)
	}
	if ok && string(v) == "chronological" {
		p.Order = "chronological"
	}
	v, ok, err = st.Get(store.PrefTimestampsKey)
	if err != nil {
		return p, fmt.Errorf("read timestamp preference: %w", err)
	}
	if ok {
		p.ShowTimestamps, _ = strconv.ParseBool(string(v))
	}
	return p, nil
}

func savePrefs(st store.Store, p prefs) (prefs, error) {
	order := "reverse"
	if p.order() == sublog.Oldest {
		order = "chronological"
	}
	if err := st.Set(store.PrefOrderKey, []byte(order)); err != nil {
		return p, fmt.Errorf("write order preference: %w", err)
	}
	if err := st.Set(store.PrefTimestampsKey, []byte(strconv.FormatBool(p.ShowTimestamps))); err != nil {
		return p, fmt.Errorf("write timestamp preference: %w", err)
	}
	p.Order = order
	return p, nil
}
