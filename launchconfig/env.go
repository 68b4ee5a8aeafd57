package launchconfig

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Environment variable prefixes for nested configuration blocks.
const (
	EnvironmentVariablePrefixTask       = DIST_LAUNCHER_PREFIX + "TASK_"
	EnvironmentVariablePrefixRunner     = DIST_LAUNCHER_PREFIX + "RUNNER_"
	EnvironmentVariablePrefixCheckpoint = DIST_LAUNCHER_PREFIX + "CHECKPOINT_"
	EnvironmentVariablePrefixLogging    = DIST_LAUNCHER_PREFIX + "LOGGING_"
	EnvironmentVariablePrefixS3         = DIST_LAUNCHER_PREFIX + "S3_"
)

// UpdateFromEnvs updates fields from environmental variables.
// Empty values are ignored and do not overwrite fields with empty values.
// WARNING: The environmental variable value always overwrites current field
// values if there's a conflict.
func (cfg *Config) UpdateFromEnvs() (err error) {
	cfg.mu.Lock()
	defer func() {
		cfg.unsafeSync()
		cfg.mu.Unlock()
	}()

	var vv interface{}
	vv, err = parseEnvs(DIST_LAUNCHER_PREFIX, cfg)
	if err != nil {
		return err
	}
	if _, ok := vv.(*Config); !ok {
		return fmt.Errorf("expected *Config, got %T", vv)
	}

	if cfg.Task == nil {
		cfg.Task = &Task{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixTask, cfg.Task)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Task); ok {
		cfg.Task = av
	} else {
		return fmt.Errorf("expected *Task, got %T", vv)
	}

	if cfg.Runner == nil {
		cfg.Runner = &Runner{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixRunner, cfg.Runner)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Runner); ok {
		cfg.Runner = av
	} else {
		return fmt.Errorf("expected *Runner, got %T", vv)
	}

	if cfg.Checkpoint == nil {
		cfg.Checkpoint = &Checkpoint{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixCheckpoint, cfg.Checkpoint)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Checkpoint); ok {
		cfg.Checkpoint = av
	} else {
		return fmt.Errorf("expected *Checkpoint, got %T", vv)
	}

	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixLogging, cfg.Logging)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Logging); ok {
		cfg.Logging = av
	} else {
		return fmt.Errorf("expected *Logging, got %T", vv)
	}

	if cfg.S3 == nil {
		cfg.S3 = &S3{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixS3, cfg.S3)
	if err != nil {
		return err
	}
	if av, ok := vv.(*S3); ok {
		cfg.S3 = av
	} else {
		return fmt.Errorf("expected *S3, got %T", vv)
	}

	return nil
}

func parseEnvs(pfx string, block interface{}) (interface{}, error) {
	tp, vv := reflect.TypeOf(block).Elem(), reflect.ValueOf(block).Elem()
	for i := 0; i < tp.NumField(); i++ {
		jv := tp.Field(i).Tag.Get("json")
		if jv == "" {
			continue
		}
		jv = strings.Replace(jv, ",omitempty", "", -1)
		jv = strings.ToUpper(strings.Replace(jv, "-", "_", -1))
		env := pfx + jv
		sv := os.Getenv(env)
		if sv == "" {
			continue
		}
		if tp.Field(i).Tag.Get("read-only") == "true" { // error when read-only field is set for update
			return nil, fmt.Errorf("'%s=%s' is 'read-only' field; should not be set!", env, sv)
		}
		fieldName := tp.Field(i).Name

		switch vv.Field(i).Type().Kind() {
		case reflect.String:
			vv.Field(i).SetString(sv)

		case reflect.Bool:
			bb, err := strconv.ParseBool(sv)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
			}
			vv.Field(i).SetBool(bb)

		case reflect.Int, reflect.Int32, reflect.Int64:
			if vv.Field(i).Type().Name() == "Duration" {
				iv, err := time.ParseDuration(sv)
				if err != nil {
					return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
				}
				vv.Field(i).SetInt(int64(iv))
			} else {
				iv, err := strconv.ParseInt(sv, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
				}
				vv.Field(i).SetInt(iv)
			}

		case reflect.Uint, reflect.Uint32, reflect.Uint64:
			iv, err := strconv.ParseUint(sv, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
			}
			vv.Field(i).SetUint(iv)

		case reflect.Float32, reflect.Float64:
			fv, err := strconv.ParseFloat(sv, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
			}
			vv.Field(i).SetFloat(fv)

		case reflect.Slice: // only supports "[]string" for now
			ss := strings.Split(sv, ",")
			if len(ss) < 1 {
				continue
			}
			slice := reflect.MakeSlice(reflect.TypeOf([]string{}), len(ss), len(ss))
			for j := range ss {
				slice.Index(j).SetString(ss[j])
			}
			vv.Field(i).Set(slice)

		case reflect.Map: // only supports "map[string]string" (e.g. 'a=b;c=d')
			if vv.Field(i).Type() != reflect.TypeOf(map[string]string{}) {
				return nil, fmt.Errorf("field %q not supported for reflect.Map", fieldName)
			}
			mm := make(map[string]string)
			for _, pair := range strings.Split(sv, ";") {
				fields := strings.SplitN(pair, "=", 2)
				if len(fields) != 2 {
					return nil, fmt.Errorf("map %q for %q has unexpected format (e.g. should be 'a=b;c=d')", sv, fieldName)
				}
				mm[fields[0]] = fields[1]
			}
			vv.Field(i).Set(reflect.ValueOf(mm))

		default:
			return nil, fmt.Errorf("%q (type %v) is not supported as an env", env, vv.Field(i).Type())
		}
	}
	return block, nil
}
