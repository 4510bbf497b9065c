package cache

import "fmt"

// Формат ключей зафиксирован для совместимости:
//
//	{prefix}:session:{id}:resources
//	{prefix}:session:{id}:category:{category}:timeline
//	{prefix}:session:{id}:resource:{resourceKey}:category:{category}:last
//	{prefix}:session:{id}:resource:{resourceKey}:categories
type keys struct{ prefix string }

func (k keys) session(id string) string {
	return fmt.Sprintf("%s:session:%s", k.prefix, id)
}

func (k keys) resources(id string) string {
	return k.session(id) + ":resources"
}

func (k keys) timeline(id string, cat Category) string {
	return fmt.Sprintf("%s:category:%s:timeline", k.session(id), cat)
}

func (k keys) last(id, resourceKey string, cat Category) string {
	return fmt.Sprintf("%s:resource:%s:category:%s:last", k.session(id), resourceKey, cat)
}

func (k keys) categories(id, resourceKey string) string {
	return fmt.Sprintf("%s:resource:%s:categories", k.session(id), resourceKey)
}
