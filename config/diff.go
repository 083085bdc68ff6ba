package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 单项配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "rules.breakeven.offset_pips"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// 这些配置段在进程启动时使用，修改后必须重启
var restartPaths = []string{
	"system.timezone",
	"system.log_dir",
	"system.instance_id",
	"database",
	"distributed_lock",
	"journal",
	"bridge",
	"delivery",
	"ingest",
	"web.enabled",
	"web.host",
	"web.port",
	"notifications.telegram.bot_token",
}

// DiffConfig 对比两个配置，生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), "")

	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// Has 是否存在指定路径（或其子路径）的变更
func (d *ConfigDiff) Has(prefix string) bool {
	for _, c := range d.Changes {
		if c.Path == prefix || strings.HasPrefix(c.Path, prefix+".") || strings.HasPrefix(c.Path, prefix+"[") {
			return true
		}
	}
	return false
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	oldVal = deref(oldVal)
	newVal = deref(newVal)

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case oldVal.IsValid() && !newVal.IsValid():
		d.add(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid() && newVal.IsValid():
		d.add(path, ChangeTypeAdded, nil, newVal.Interface())
		return
	case oldVal.Type() != newVal.Type():
		d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		d.compareStruct(oldVal, newVal, path)
	case reflect.Map:
		d.compareMap(oldVal, newVal, path)
	case reflect.Slice, reflect.Array:
		d.compareSlice(oldVal, newVal, path)
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func deref(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func (d *ConfigDiff) compareStruct(oldVal, newVal reflect.Value, basePath string) {
	typ := oldVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		name := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if name == "-" || !field.IsExported() {
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		d.compare(oldVal.Field(i), newVal.Field(i), join(basePath, name))
	}
}

func (d *ConfigDiff) compareMap(oldVal, newVal reflect.Value, basePath string) {
	for _, key := range oldVal.MapKeys() {
		path := join(basePath, fmt.Sprintf("%v", key.Interface()))
		nv := newVal.MapIndex(key)
		if !nv.IsValid() {
			d.add(path, ChangeTypeDeleted, oldVal.MapIndex(key).Interface(), nil)
			continue
		}
		d.compare(oldVal.MapIndex(key), nv, path)
	}
	for _, key := range newVal.MapKeys() {
		if !oldVal.MapIndex(key).IsValid() {
			path := join(basePath, fmt.Sprintf("%v", key.Interface()))
			d.add(path, ChangeTypeAdded, nil, newVal.MapIndex(key).Interface())
		}
	}
}

func (d *ConfigDiff) compareSlice(oldVal, newVal reflect.Value, basePath string) {
	// 长度不同视为整体修改
	if oldVal.Len() != newVal.Len() {
		d.add(basePath, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		return
	}
	for i := 0; i < oldVal.Len(); i++ {
		d.compare(oldVal.Index(i), newVal.Index(i), fmt.Sprintf("%s[%d]", basePath, i))
	}
}

func (d *ConfigDiff) add(path string, changeType ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

func join(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// requiresRestart 判断配置路径是否需要重启
func requiresRestart(path string) bool {
	for _, p := range restartPaths {
		if path == p || strings.HasPrefix(path, p+".") || strings.HasPrefix(path, p+"[") {
			return true
		}
	}
	return false
}
