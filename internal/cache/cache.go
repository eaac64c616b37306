package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Store хранилище значений с ограниченным сроком жизни
type Store[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Set(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
}

// Loader загружает значение из источника истины
type Loader[V any] func(ctx context.Context) (V, error)

// ReadThrough кэш со сквозным чтением. Одновременные промахи по одному ключу
// превращаются в одну загрузку.
type ReadThrough[K comparable, V any] struct {
	store Store[K, V]
	group singleflight.Group
}

// NewReadThrough создаёт кэш поверх хранилища
func NewReadThrough[K comparable, V any](store Store[K, V]) *ReadThrough[K, V] {
	return &ReadThrough[K, V]{store: store}
}

// GetOrLoad возвращает значение из кэша или загружает его через load.
// Второе значение сообщает, была ли выполнена загрузка этим вызовом.
func (c *ReadThrough[K, V]) GetOrLoad(ctx context.Context, key K, load Loader[V]) (V, bool, error) {
	if v, ok, err := c.store.Get(ctx, key); err == nil && ok {
		return v, false, nil
	}

	res, err, shared := c.group.Do(fmt.Sprint(key), func() (interface{}, error) {
		// Пока ждали, значение могли положить
		if v, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return v, nil
		}

		v, err := load(ctx)
		if err != nil {
			return v, err
		}

		// Ошибка записи в кэш не должна ломать чтение
		_ = c.store.Set(ctx, key, v)
		return v, nil
	})

	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("load cache value: %w", err)
	}

	v, _ := res.(V)
	return v, !shared, nil
}

// Peek возвращает значение только из кэша
func (c *ReadThrough[K, V]) Peek(ctx context.Context, key K) (V, bool) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		var zero V
		return zero, false
	}
	return v, ok
}

// Put кладёт свежее значение, например пришедшее из ленты изменений
func (c *ReadThrough[K, V]) Put(ctx context.Context, key K, value V) error {
	return c.store.Set(ctx, key, value)
}

// Invalidate удаляет значение
func (c *ReadThrough[K, V]) Invalidate(ctx context.Context, key K) error {
	return c.store.Delete(ctx, key)
}
