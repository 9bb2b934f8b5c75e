package helper

import (
	"fmt"
	"reflect"
	"strings"
)

// ValidateStructIsPopulated will check if any mandatory fields in cfg are missing.
// It uses struct tags to determine which fields are mandatory and the error text to fetch.
// The error text returned is just a list of the struct tags with key "errorTxt".
func ValidateStructIsPopulated(cfg interface{}) (err error) {
	errs := make([]string, 0)
	GetStructErrorTxt4UnsetFields(cfg, &errs)
	if len(errs) > 0 {
		err = fmt.Errorf("please supply values for %v", strings.Join(errs, ", "))
	}
	return
}

// GetStructErrorTxt4UnsetFields will reflect over interface i and build a slice containing error text strings for any
// struct fields that are unset i.e. are the zero value for the given field type.
// The error text strings are fetched from the errorTxt tags values found in the supplied interface (struct)
// where tag mandatory:"yes" is set.
// Nested structs, pointers to structs and slices of structs are descended into.
func GetStructErrorTxt4UnsetFields(i interface{}, errTags *[]string) {
	val := reflect.ValueOf(i)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return
	}
	typ := val.Type()
	for idx := 0; idx < val.NumField(); idx++ { // for each field in the value/struct...
		field := typ.Field(idx)
		if !field.IsExported() {
			continue
		}
		f := val.Field(idx)
		switch f.Kind() {
		case reflect.Struct:
			GetStructErrorTxt4UnsetFields(f.Interface(), errTags)
		case reflect.Ptr:
			if !f.IsNil() && f.Elem().Kind() == reflect.Struct {
				GetStructErrorTxt4UnsetFields(f.Interface(), errTags)
			} else if f.IsNil() && field.Tag.Get("mandatory") == "yes" {
				*errTags = append(*errTags, field.Tag.Get("errorTxt"))
			}
		case reflect.Slice:
			if f.Len() == 0 && field.Tag.Get("mandatory") == "yes" {
				*errTags = append(*errTags, field.Tag.Get("errorTxt"))
			}
			for j := 0; j < f.Len(); j++ {
				if e := f.Index(j); e.Kind() == reflect.Struct {
					GetStructErrorTxt4UnsetFields(e.Interface(), errTags)
				}
			}
		case reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		default: // extract tags from this struct field...
			if f.IsZero() && field.Tag.Get("mandatory") == "yes" { // if the field is its zero value and it is mandatory...
				*errTags = append(*errTags, field.Tag.Get("errorTxt"))
			}
		}
	}
}
