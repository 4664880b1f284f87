// Package flagx binds cobra flags to struct fields through tags.
//
//	type CheckRequest struct {
//	    Identifier string        `flag:"identifier,i" usage:"rate limit identifier" required:"true"`
//	    Tokens     int64         `flag:"tokens" usage:"tokens to take" default:"1"`
//	    Interval   time.Duration `flag:"interval" default:"1s"`
//	}
//
// BindFlags registers the flags, ParseFlags copies the parsed values back.
package flagx

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var durationType = reflect.TypeOf(time.Duration(0))

type fieldFlag struct {
	index    int
	name     string
	short    string
	usage    string
	def      string
	required bool
}

func structFields(target interface{}) (reflect.Value, []fieldFlag, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, fmt.Errorf("target must be a pointer to struct")
	}
	v = v.Elem()
	t := v.Type()

	var fields []fieldFlag
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("flag")
		if tag == "" || !v.Field(i).CanSet() {
			continue
		}
		parts := strings.SplitN(tag, ",", 2)
		ff := fieldFlag{
			index:    i,
			name:     parts[0],
			usage:    sf.Tag.Get("usage"),
			def:      sf.Tag.Get("default"),
			required: sf.Tag.Get("required") == "true",
		}
		if len(parts) > 1 {
			ff.short = parts[1]
		}
		fields = append(fields, ff)
	}
	return v, fields, nil
}

// BindFlags registers one flag per tagged field
func BindFlags(cmd *cobra.Command, target interface{}) error {
	v, fields, err := structFields(target)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	for _, ff := range fields {
		ft := v.Type().Field(ff.index).Type
		switch {
		case ft == durationType:
			def, err := parseDefault(ff, time.ParseDuration)
			if err != nil {
				return err
			}
			flags.DurationP(ff.name, ff.short, def, ff.usage)
		case ft.Kind() == reflect.String:
			flags.StringP(ff.name, ff.short, ff.def, ff.usage)
		case ft.Kind() == reflect.Int:
			def, err := parseDefault(ff, strconv.Atoi)
			if err != nil {
				return err
			}
			flags.IntP(ff.name, ff.short, def, ff.usage)
		case ft.Kind() == reflect.Int64:
			def, err := parseDefault(ff, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
			if err != nil {
				return err
			}
			flags.Int64P(ff.name, ff.short, def, ff.usage)
		case ft.Kind() == reflect.Bool:
			def, err := parseDefault(ff, strconv.ParseBool)
			if err != nil {
				return err
			}
			flags.BoolP(ff.name, ff.short, def, ff.usage)
		case ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.String:
			var def []string
			if ff.def != "" {
				def = strings.Split(ff.def, ",")
			}
			flags.StringSliceP(ff.name, ff.short, def, ff.usage)
		default:
			return fmt.Errorf("unsupported field type for flag %s: %s", ff.name, ft)
		}

		if ff.required {
			if err := cmd.MarkFlagRequired(ff.name); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDefault[T any](ff fieldFlag, parse func(string) (T, error)) (T, error) {
	var zero T
	if ff.def == "" {
		return zero, nil
	}
	v, err := parse(ff.def)
	if err != nil {
		return zero, fmt.Errorf("invalid default %q for flag %s: %w", ff.def, ff.name, err)
	}
	return v, nil
}

// ParseFlags copies parsed flag values into target
func ParseFlags(cmd *cobra.Command, target interface{}) error {
	v, fields, err := structFields(target)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	for _, ff := range fields {
		field := v.Field(ff.index)
		var perr error
		switch {
		case field.Type() == durationType:
			var d time.Duration
			d, perr = flags.GetDuration(ff.name)
			field.SetInt(int64(d))
		case field.Kind() == reflect.String:
			var s string
			s, perr = flags.GetString(ff.name)
			field.SetString(s)
		case field.Kind() == reflect.Int:
			var n int
			n, perr = flags.GetInt(ff.name)
			field.SetInt(int64(n))
		case field.Kind() == reflect.Int64:
			var n int64
			n, perr = flags.GetInt64(ff.name)
			field.SetInt(n)
		case field.Kind() == reflect.Bool:
			var b bool
			b, perr = flags.GetBool(ff.name)
			field.SetBool(b)
		case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
			var ss []string
			ss, perr = flags.GetStringSlice(ff.name)
			field.Set(reflect.ValueOf(ss))
		default:
			perr = fmt.Errorf("unsupported field type: %s", field.Type())
		}
		if perr != nil {
			return fmt.Errorf("parse flag %s: %w", ff.name, perr)
		}
	}
	return nil
}

// Changed reports whether the flag bound to name was set on the command line
func Changed(cmd *cobra.Command, name string) bool {
	return cmd.Flags().Changed(name)
}
